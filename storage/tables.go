package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"

	"prism-board/domain"
)

const (
	edmInt64        = "Edm.Int64"
	maxUpdateTries  = 5
	transactionSize = 100
)

// Tables stores boards in Azure Table Storage. Tasks and columns live in
// separate tables partitioned by board id.
type Tables struct {
	taskTable   *aztables.Client
	columnTable *aztables.Client
}

// NewTables creates a store from a storage connection string.
func NewTables(connStr, tasksTable, columnsTable string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{taskTable: svc.NewClient(tasksTable), columnTable: svc.NewClient(columnsTable)}, nil
}

// EnsureTables creates both tables when they do not exist yet.
func (s *Tables) EnsureTables(ctx context.Context) error {
	for _, tc := range []*aztables.Client{s.taskTable, s.columnTable} {
		if _, err := tc.CreateTable(ctx, nil); err != nil {
			var respErr *azcore.ResponseError
			if !(errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists)) {
				return err
			}
		}
	}
	return nil
}

type entityKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// taskEntity always carries every property: an emptied member list or field
// map is written as "" so it replaces the stored value.
type taskEntity struct {
	entityKeys
	Order        int    `json:"Order"`
	Fields       string `json:"Fields"`
	Members      string `json:"Members"`
	Attachments  string `json:"Attachments"`
	ThreadID     string `json:"ThreadID"`
	Revision     int64  `json:"Revision,string"`
	RevisionType string `json:"Revision@odata.type"`
}

type taskOrderUpdate struct {
	entityKeys
	Order *int `json:"Order,omitempty"`
}

type columnEntity struct {
	entityKeys
	Key     string `json:"Key,omitempty"`
	Name    string `json:"Name"`
	Type    string `json:"Type"`
	Order   int    `json:"Order"`
	Visible bool   `json:"Visible"`
	Options string `json:"Options,omitempty"`
}

func encodeJSONField(v any, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func toTaskEntity(boardID string, t domain.Task) (taskEntity, error) {
	ent := taskEntity{
		entityKeys:   entityKeys{PartitionKey: boardID, RowKey: t.ID},
		Order:        t.Order,
		ThreadID:     t.ThreadID,
		Revision:     t.Revision,
		RevisionType: edmInt64,
	}
	var err error
	if ent.Fields, err = encodeJSONField(t.Fields, len(t.Fields) == 0); err != nil {
		return ent, fmt.Errorf("encode fields of %s: %w", t.ID, err)
	}
	if ent.Members, err = encodeJSONField(t.Members, len(t.Members) == 0); err != nil {
		return ent, fmt.Errorf("encode members of %s: %w", t.ID, err)
	}
	if ent.Attachments, err = encodeJSONField(t.Attachments, len(t.Attachments) == 0); err != nil {
		return ent, fmt.Errorf("encode attachments of %s: %w", t.ID, err)
	}
	return ent, nil
}

func fromTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{ID: ent.RowKey, Order: ent.Order, ThreadID: ent.ThreadID, Revision: ent.Revision}
	if ent.Fields != "" {
		if err := sonic.UnmarshalString(ent.Fields, &t.Fields); err != nil {
			return t, fmt.Errorf("decode fields of %s: %w", ent.RowKey, err)
		}
	}
	if ent.Members != "" {
		if err := sonic.UnmarshalString(ent.Members, &t.Members); err != nil {
			return t, fmt.Errorf("decode members of %s: %w", ent.RowKey, err)
		}
	}
	if ent.Attachments != "" {
		if err := sonic.UnmarshalString(ent.Attachments, &t.Attachments); err != nil {
			return t, fmt.Errorf("decode attachments of %s: %w", ent.RowKey, err)
		}
	}
	return t, nil
}

func toColumnEntity(boardID string, c domain.Column) (columnEntity, error) {
	ent := columnEntity{
		entityKeys: entityKeys{PartitionKey: boardID, RowKey: c.ID},
		Key:        c.Key,
		Name:       c.Name,
		Type:       string(c.Type),
		Order:      c.Order,
		Visible:    c.Visible,
	}
	var err error
	ent.Options, err = encodeJSONField(c.Options, len(c.Options) == 0)
	return ent, err
}

func fromColumnEntity(data []byte) (domain.Column, error) {
	var ent columnEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Column{}, err
	}
	c := domain.Column{
		ID:      ent.RowKey,
		Key:     ent.Key,
		Name:    ent.Name,
		Type:    domain.ColumnType(ent.Type),
		Order:   ent.Order,
		Visible: ent.Visible,
	}
	if ent.Options != "" {
		if err := sonic.UnmarshalString(ent.Options, &c.Options); err != nil {
			return c, fmt.Errorf("decode options of %s: %w", ent.RowKey, err)
		}
	}
	return c, nil
}

// mapTableErr translates storage status codes into domain errors.
func mapTableErr(err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		case http.StatusPreconditionFailed:
			return fmt.Errorf("%w: %v", domain.ErrConcurrencyConflict, err)
		}
	}
	return err
}

func partitionFilter(boardID string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(boardID, "'", "''") + "'"
}

func (s *Tables) listPartition(ctx context.Context, tc *aztables.Client, boardID string, fn func([]byte) error) error {
	filter := partitionFilter(boardID)
	pager := tc.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapTableErr(err)
		}
		for _, e := range resp.Entities {
			if err := fn(e); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutBoard writes every column and task of b, replacing existing entities.
func (s *Tables) PutBoard(ctx context.Context, b domain.Board) error {
	if b.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "board id required"}
	}
	for _, c := range b.Columns {
		ent, err := toColumnEntity(b.ID, c)
		if err != nil {
			return err
		}
		if err := s.upsert(ctx, s.columnTable, ent); err != nil {
			return err
		}
	}
	for _, t := range b.Tasks {
		ent, err := toTaskEntity(b.ID, t)
		if err != nil {
			return err
		}
		if err := s.upsert(ctx, s.taskTable, ent); err != nil {
			return err
		}
	}
	return nil
}

func (s *Tables) upsert(ctx context.Context, tc *aztables.Client, ent any) error {
	payload, err := sonic.Marshal(ent)
	if err == nil {
		_, err = tc.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return mapTableErr(err)
}

// LoadBoard reads all columns and tasks of a board. A board without any
// column or task does not exist.
func (s *Tables) LoadBoard(ctx context.Context, boardID string) (domain.Board, error) {
	b := domain.Board{ID: boardID, Columns: []domain.Column{}, Tasks: []domain.Task{}}
	err := s.listPartition(ctx, s.columnTable, boardID, func(data []byte) error {
		c, err := fromColumnEntity(data)
		if err == nil {
			b.Columns = append(b.Columns, c)
		}
		return err
	})
	if err != nil {
		return domain.Board{}, err
	}
	err = s.listPartition(ctx, s.taskTable, boardID, func(data []byte) error {
		t, err := fromTaskEntity(data)
		if err == nil {
			b.Tasks = append(b.Tasks, t)
		}
		return err
	})
	if err != nil {
		return domain.Board{}, err
	}
	if len(b.Columns) == 0 && len(b.Tasks) == 0 {
		return domain.Board{}, fmt.Errorf("board %s: %w", boardID, domain.ErrNotFound)
	}
	sortBoard(&b)
	return b, nil
}

func (s *Tables) getTask(ctx context.Context, boardID, taskID string) (domain.Task, azcore.ETag, error) {
	resp, err := s.taskTable.GetEntity(ctx, boardID, taskID, nil)
	if err != nil {
		return domain.Task{}, "", mapTableErr(err)
	}
	t, err := fromTaskEntity(resp.Value)
	return t, resp.ETag, err
}

func (s *Tables) Task(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	t, _, err := s.getTask(ctx, boardID, taskID)
	return t, err
}

// UpdateTask applies p when p.Revision matches the stored revision. The write
// is conditional on the entity ETag; a concurrent writer forces a reread.
func (s *Tables) UpdateTask(ctx context.Context, boardID, taskID string, p domain.RowPayload) (domain.Task, error) {
	return s.modifyTask(ctx, boardID, taskID, func(cur domain.Task) (domain.Task, error) {
		if cur.Revision != p.Revision {
			return domain.Task{}, fmt.Errorf("task %s at revision %d, update based on %d: %w", taskID, cur.Revision, p.Revision, domain.ErrRevisionConflict)
		}
		return applyPayload(cur, p), nil
	})
}

// AddAttachments appends atts to the task, skipping ids already present.
func (s *Tables) AddAttachments(ctx context.Context, boardID, taskID string, atts []domain.Attachment) (domain.Task, error) {
	return s.modifyTask(ctx, boardID, taskID, func(cur domain.Task) (domain.Task, error) {
		cur.Attachments = domain.MergeAttachments(cur.Attachments, atts)
		return cur, nil
	})
}

func (s *Tables) modifyTask(ctx context.Context, boardID, taskID string, fn func(domain.Task) (domain.Task, error)) (domain.Task, error) {
	for attempt := 0; attempt < maxUpdateTries; attempt++ {
		cur, etag, err := s.getTask(ctx, boardID, taskID)
		if err != nil {
			return domain.Task{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return domain.Task{}, err
		}
		ent, err := toTaskEntity(boardID, next)
		if err != nil {
			return domain.Task{}, err
		}
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return domain.Task{}, err
		}
		_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
		if err == nil {
			return next, nil
		}
		if err = mapTableErr(err); !errors.Is(err, domain.ErrConcurrencyConflict) {
			return domain.Task{}, err
		}
	}
	return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrConcurrencyConflict)
}

// ReorderTasks writes the order batch as merge transactions within the board
// partition.
func (s *Tables) ReorderTasks(ctx context.Context, boardID string, ids []string, orders []int) error {
	if err := checkOrderBatch(ids, orders); err != nil {
		return err
	}
	et := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, transactionSize)
	flush := func() error {
		if len(actions) == 0 {
			return nil
		}
		_, err := s.taskTable.SubmitTransaction(ctx, actions, nil)
		actions = actions[:0]
		return mapTableErr(err)
	}
	for i, id := range ids {
		order := orders[i]
		payload, err := sonic.Marshal(taskOrderUpdate{entityKeys: entityKeys{PartitionKey: boardID, RowKey: id}, Order: &order})
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeUpdateMerge, Entity: payload, IfMatch: &et})
		if len(actions) == transactionSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// ReplaceColumns makes cols the full column list of the board.
func (s *Tables) ReplaceColumns(ctx context.Context, boardID string, cols []domain.Column) error {
	if err := checkColumns(cols); err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		keep[c.ID] = struct{}{}
	}
	var stale []string
	err := s.listPartition(ctx, s.columnTable, boardID, func(data []byte) error {
		var k entityKeys
		if err := sonic.Unmarshal(data, &k); err != nil {
			return err
		}
		if _, ok := keep[k.RowKey]; !ok {
			stale = append(stale, k.RowKey)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range cols {
		ent, err := toColumnEntity(boardID, c)
		if err != nil {
			return err
		}
		if err := s.upsert(ctx, s.columnTable, ent); err != nil {
			return err
		}
	}
	sort.Strings(stale)
	for _, id := range stale {
		if _, err := s.columnTable.DeleteEntity(ctx, boardID, id, nil); err != nil {
			if err = mapTableErr(err); !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
	}
	return nil
}
