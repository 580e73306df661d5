package client

import (
	"context"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"prism-board/domain"
)

func boardPath(boardID string) string {
	return "/api/boards/" + url.PathEscape(boardID)
}

func rowPath(boardID, rowID string) string {
	return boardPath(boardID) + "/rows/" + url.PathEscape(rowID)
}

// LoadBoard fetches the columns and tasks of a board.
func (c *Client) LoadBoard(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := c.do(ctx, call{
		op:     "board.load",
		method: http.MethodGet,
		path:   boardPath(boardID),
		out:    &b,
		attrs:  []attribute.KeyValue{attribute.String("prism.board.id", boardID)},
	})
	return b, err
}

// ReorderRows persists a dense row order batch.
func (c *Client) ReorderRows(ctx context.Context, boardID string, ids []string, orders []int, seq uint64) error {
	return c.do(ctx, call{
		op:       "rows.order",
		method:   http.MethodPut,
		path:     boardPath(boardID) + "/rows/order",
		body:     domain.ReorderRequest{IDs: ids, Orders: orders, Seq: seq},
		conflict: domain.ErrStaleSequence,
		attrs: []attribute.KeyValue{
			attribute.String("prism.board.id", boardID),
			attribute.Int("prism.board.rows", len(ids)),
			attribute.Int64("prism.board.seq", int64(seq)),
		},
	})
}

// ReplaceColumns persists the full column list.
func (c *Client) ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column, seq uint64) error {
	return c.do(ctx, call{
		op:       "columns.replace",
		method:   http.MethodPut,
		path:     boardPath(boardID) + "/columns",
		body:     domain.ColumnsRequest{Columns: cols, Seq: seq},
		conflict: domain.ErrStaleSequence,
		attrs: []attribute.KeyValue{
			attribute.String("prism.board.id", boardID),
			attribute.Int64("prism.board.seq", int64(seq)),
		},
	})
}

// UpdateRow sends the full business payload of a row. A stale revision
// yields ErrRevisionConflict.
func (c *Client) UpdateRow(ctx context.Context, boardID, rowID string, payload domain.RowPayload) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, call{
		op:       "rows.update",
		method:   http.MethodPatch,
		path:     rowPath(boardID, rowID),
		body:     payload,
		out:      &t,
		conflict: domain.ErrRevisionConflict,
		attrs: []attribute.KeyValue{
			attribute.String("prism.board.id", boardID),
			attribute.String("prism.board.row", rowID),
			attribute.Int64("prism.board.revision", payload.Revision),
		},
	})
	return t, err
}

// FetchRow returns the server copy of a row.
func (c *Client) FetchRow(ctx context.Context, boardID, rowID string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, call{
		op:     "rows.fetch",
		method: http.MethodGet,
		path:   rowPath(boardID, rowID),
		out:    &t,
		attrs: []attribute.KeyValue{
			attribute.String("prism.board.id", boardID),
			attribute.String("prism.board.row", rowID),
		},
	})
	return t, err
}
