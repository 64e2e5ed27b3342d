// Package history keeps a full-text index of finished tasks.
//
// The in-process dispatcher adds every task that reaches completed or
// failed as it finishes; the CLI syncs the index from the task store
// before searching. Searches match request text, result or error message
// and filter by status or intent. The index is a convenience view: the task store
// stays the source of truth and a task missing from the index is simply
// not searchable.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/taskdispatch/tasks"
)

// DefaultLimit caps search results when the request sets no limit.
const DefaultLimit = 20

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history index closed")

// Document is the indexed form of a finished task.
type Document struct {
	TaskID       string    `json:"task_id"`
	Text         string    `json:"text"`
	Intent       string    `json:"intent"`
	Status       string    `json:"status"`
	Result       string    `json:"result"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Attempts     int       `json:"attempts"`
	WorkerID     string    `json:"worker_id"`
	CompletedAt  time.Time `json:"completed_at"`
}

// NewDocument converts a task. Tasks that are not terminal yield nil.
func NewDocument(t *tasks.Task) *Document {
	if t == nil || !t.Status.IsTerminal() {
		return nil
	}
	d := &Document{
		TaskID:   t.ID,
		Text:     t.RawText,
		Intent:   string(t.Intent),
		Status:   string(t.Status),
		Result:   t.Result,
		Attempts: t.AttemptCount,
		WorkerID: t.ClaimedBy,
	}
	if t.Error != nil {
		d.ErrorCode = string(t.Error.Code())
		d.ErrorMessage = t.Error.Message()
	}
	if t.CompletedAt != nil {
		d.CompletedAt = *t.CompletedAt
	} else {
		d.CompletedAt = t.UpdatedAt
	}
	return d
}

// Query selects documents. An empty Text matches every document.
type Query struct {
	Text   string
	Status tasks.TaskStatus
	Intent string
	Limit  int
}

// Hit is one search result, best match first.
type Hit struct {
	Document
	Score float64
}

// Index is a bleve-backed history index. It is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// Open opens the index at path, creating it if needed. An empty path
// keeps the index in memory.
func Open(path string) (*Index, error) {
	var (
		idx bleve.Index
		err error
	)
	switch {
	case path == "":
		idx, err = bleve.NewMemOnly(buildMapping())
	default:
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			idx, err = bleve.New(path, buildMapping())
		} else {
			idx, err = bleve.Open(path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open history index: %w", err)
	}
	return &Index{index: idx}, nil
}

func buildMapping() mapping.IndexMapping {
	text := func() *mapping.FieldMapping {
		fm := bleve.NewTextFieldMapping()
		fm.Analyzer = standard.Name
		return fm
	}
	keyword := bleve.NewKeywordFieldMapping

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", text())
	doc.AddFieldMappingsAt("result", text())
	doc.AddFieldMappingsAt("error_message", text())
	doc.AddFieldMappingsAt("task_id", keyword())
	doc.AddFieldMappingsAt("intent", keyword())
	doc.AddFieldMappingsAt("status", keyword())
	doc.AddFieldMappingsAt("error_code", keyword())
	doc.AddFieldMappingsAt("worker_id", keyword())
	doc.AddFieldMappingsAt("attempts", bleve.NewNumericFieldMapping())
	doc.AddFieldMappingsAt("completed_at", bleve.NewDateTimeFieldMapping())

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Index adds or replaces t. Tasks that are not terminal are ignored.
func (x *Index) Index(ctx context.Context, t *tasks.Task) error {
	doc := NewDocument(t)
	if doc == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}
	if err := x.index.Index(doc.TaskID, doc); err != nil {
		return fmt.Errorf("index task %s: %w", doc.TaskID, err)
	}
	return nil
}

// Lister lists stored tasks by status.
type Lister interface {
	List(ctx context.Context, statuses ...tasks.TaskStatus) ([]*tasks.Task, error)
}

// Sync indexes every finished task known to the store in one batch and
// returns how many were indexed.
func (x *Index) Sync(ctx context.Context, store Lister) (int, error) {
	finished, err := store.List(ctx, tasks.StatusCompleted, tasks.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("list finished tasks: %w", err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrClosed
	}

	batch := x.index.NewBatch()
	for _, t := range finished {
		if doc := NewDocument(t); doc != nil {
			if err := batch.Index(doc.TaskID, doc); err != nil {
				return 0, fmt.Errorf("index task %s: %w", doc.TaskID, err)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := x.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("sync history: %w", err)
	}
	return batch.Size(), nil
}

// Delete removes a task from the index.
func (x *Index) Delete(taskID string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return ErrClosed
	}
	return x.index.Delete(taskID)
}

// Count returns the number of indexed tasks.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrClosed
	}
	return x.index.DocCount()
}

// Search returns documents matching q. Text queries rank by relevance;
// filter-only queries list the most recently finished first.
func (x *Index) Search(ctx context.Context, q Query) ([]Hit, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var must []query.Query
	if q.Text != "" {
		must = append(must, bleve.NewDisjunctionQuery(
			fieldMatch("text", q.Text),
			fieldMatch("result", q.Text),
			fieldMatch("error_message", q.Text),
		))
	}
	if q.Status != "" {
		must = append(must, term("status", string(q.Status)))
	}
	if q.Intent != "" {
		must = append(must, term("intent", q.Intent))
	}

	var root query.Query = bleve.NewMatchAllQuery()
	if len(must) > 0 {
		root = bleve.NewConjunctionQuery(must...)
	}

	req := bleve.NewSearchRequest(root)
	req.Size = limit
	req.Fields = []string{"*"}
	if q.Text == "" {
		req.SortBy([]string{"-completed_at", "task_id"})
	} else {
		req.SortBy([]string{"-_score", "-completed_at"})
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}

	res, err := x.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search history: %w", err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hits = append(hits, Hit{Document: fromFields(h.ID, h.Fields), Score: h.Score})
	}
	return hits, nil
}

func fieldMatch(field, text string) query.Query {
	q := bleve.NewMatchQuery(text)
	q.SetField(field)
	return q
}

func term(field, value string) query.Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return q
}

func fromFields(id string, f map[string]interface{}) Document {
	str := func(k string) string {
		s, _ := f[k].(string)
		return s
	}
	d := Document{
		TaskID:       id,
		Text:         str("text"),
		Intent:       str("intent"),
		Status:       str("status"),
		Result:       str("result"),
		ErrorCode:    str("error_code"),
		ErrorMessage: str("error_message"),
		WorkerID:     str("worker_id"),
	}
	if n, ok := f["attempts"].(float64); ok {
		d.Attempts = int(n)
	}
	if ts := str("completed_at"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			d.CompletedAt = t
		}
	}
	return d
}

// Close flushes and closes the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.index.Close()
}
