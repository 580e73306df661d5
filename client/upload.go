package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"prism-board/domain"
	"prism-board/upload"
)

// UploadAttachment streams f as a multipart "files" part and returns the
// attachment records created for it.
func (c *Client) UploadAttachment(ctx context.Context, boardID, taskID string, f upload.File, progress func(sent, total int64)) ([]domain.Attachment, error) {
	if f.Open == nil {
		return nil, &domain.ValidationError{Field: "file", Reason: "no content for " + f.Name}
	}
	src, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer src.Close()
		part, err := mw.CreateFormFile("files", f.Name)
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: src, total: f.Size, fn: progress})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	var out []domain.Attachment
	err = c.do(ctx, call{
		op:          "rows.attachments",
		method:      http.MethodPost,
		path:        rowPath(boardID, taskID) + "/attachments",
		reader:      pr,
		contentType: mw.FormDataContentType(),
		out:         &out,
		client:      c.upload,
		attrs: []attribute.KeyValue{
			attribute.String("prism.board.id", boardID),
			attribute.String("prism.board.row", taskID),
			attribute.Int64("prism.upload.size", f.Size),
		},
	})
	// unblock the writer if the request ended before the body was consumed
	pr.CloseWithError(errors.New("request finished"))
	if err != nil {
		return nil, err
	}
	return out, nil
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(p.sent, p.total)
		}
	}
	return n, err
}
