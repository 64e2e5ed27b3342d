package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/tasks"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finished(id, text string, in intent.Intent, offset time.Duration, result string, err *taskerrors.Error) *tasks.Task {
	done := base.Add(offset)
	t := &tasks.Task{
		ID:           id,
		RawText:      text,
		Intent:       in,
		Status:       tasks.StatusCompleted,
		Result:       result,
		AttemptCount: 1,
		ClaimedBy:    "w1",
		CreatedAt:    base,
		UpdatedAt:    done,
		CompletedAt:  &done,
	}
	if err != nil {
		t.Status = tasks.StatusFailed
		t.Result = ""
		t.Error = err
		t.AttemptCount = 3
	}
	return t
}

func seeded(t *testing.T) *Index {
	t.Helper()
	idx, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	for _, task := range []*tasks.Task{
		finished("agent-task-1", "Read file requirements.txt", intent.ReadFile, time.Minute, "zap==1.27", nil),
		finished("agent-task-2", "List files", intent.ListFiles, 2*time.Minute, "go.mod\nmain.go", nil),
		finished("agent-task-4", "What is machine learning?", intent.Chat, 3*time.Minute, "Machine learning is a field of study.", nil),
		finished("agent-task-5", "Explain quantum computing", intent.Chat, 4*time.Minute, "", taskerrors.Upstream("model backend overloaded")),
	} {
		require.NoError(t, idx.Index(ctx, task))
	}
	return idx
}

func ids(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.TaskID
	}
	return out
}

func TestNewDocument(t *testing.T) {
	pending := &tasks.Task{ID: "p", Status: tasks.StatusExecuting}
	assert.Nil(t, NewDocument(pending))

	failed := finished("f", "Explain", intent.Chat, 0, "", taskerrors.Timeout("slow"))
	doc := NewDocument(failed)
	require.NotNil(t, doc)
	assert.Equal(t, "failed", doc.Status)
	assert.Equal(t, "TIMEOUT", doc.ErrorCode)
	assert.Equal(t, "slow", doc.ErrorMessage)
	assert.Equal(t, 3, doc.Attempts)
	assert.Equal(t, base, doc.CompletedAt)
}

func TestSearch_Text(t *testing.T) {
	idx := seeded(t)

	hits, err := idx.Search(context.Background(), Query{Text: "machine learning"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "agent-task-4", hits[0].TaskID)
	assert.Equal(t, "chat", hits[0].Intent)
	assert.Equal(t, "completed", hits[0].Status)
	assert.Equal(t, "Machine learning is a field of study.", hits[0].Result)
	assert.Equal(t, "w1", hits[0].WorkerID)
	assert.Equal(t, 1, hits[0].Attempts)
	assert.True(t, hits[0].CompletedAt.Equal(base.Add(3*time.Minute)), "completed_at = %s", hits[0].CompletedAt)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearch_ErrorMessage(t *testing.T) {
	idx := seeded(t)

	hits, err := idx.Search(context.Background(), Query{Text: "overloaded"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-task-5"}, ids(hits))
	assert.Equal(t, "UPSTREAM", hits[0].ErrorCode)
}

func TestSearch_Filters(t *testing.T) {
	idx := seeded(t)
	ctx := context.Background()

	hits, err := idx.Search(ctx, Query{Status: tasks.StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-task-5"}, ids(hits))

	hits, err = idx.Search(ctx, Query{Intent: string(intent.Chat), Status: tasks.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-task-4"}, ids(hits))
}

func TestSearch_AllNewestFirst(t *testing.T) {
	idx := seeded(t)
	ctx := context.Background()

	hits, err := idx.Search(ctx, Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-task-5", "agent-task-4", "agent-task-2", "agent-task-1"}, ids(hits))

	hits, err = idx.Search(ctx, Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-task-5", "agent-task-4"}, ids(hits))
}

func TestIndex_ReplacesAndIgnoresActive(t *testing.T) {
	idx := seeded(t)
	ctx := context.Background()

	require.NoError(t, idx.Index(ctx, finished("agent-task-1", "Read file requirements.txt", intent.ReadFile, time.Hour, "zap==1.28", nil)))
	require.NoError(t, idx.Index(ctx, &tasks.Task{ID: "active", Status: tasks.StatusRetrying}))

	n, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	hits, err := idx.Search(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "agent-task-1", hits[0].TaskID)
	assert.Equal(t, "zap==1.28", hits[0].Result)

	require.NoError(t, idx.Delete("agent-task-1"))
	n, err = idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestOpen_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.bleve")
	ctx := context.Background()

	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Index(ctx, finished("kept", "What time is it?", intent.GetTime, 0, "2026-03-01 12:00:00", nil)))
	require.NoError(t, idx.Close())

	idx, err = Open(path)
	require.NoError(t, err)
	defer idx.Close()

	hits, err := idx.Search(ctx, Query{Text: "time"})
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(hits))
}

func TestClosed(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	ctx := context.Background()
	assert.ErrorIs(t, idx.Index(ctx, finished("x", "x", intent.Chat, 0, "x", nil)), ErrClosed)
	_, err = idx.Search(ctx, Query{})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = idx.Count()
	assert.ErrorIs(t, err, ErrClosed)
}

type listerFunc func(ctx context.Context, statuses ...tasks.TaskStatus) ([]*tasks.Task, error)

func (f listerFunc) List(ctx context.Context, statuses ...tasks.TaskStatus) ([]*tasks.Task, error) {
	return f(ctx, statuses...)
}

func TestSync(t *testing.T) {
	idx, err := Open("")
	require.NoError(t, err)
	defer idx.Close()

	var asked []tasks.TaskStatus
	store := listerFunc(func(_ context.Context, statuses ...tasks.TaskStatus) ([]*tasks.Task, error) {
		asked = statuses
		return []*tasks.Task{
			finished("a", "List files", intent.ListFiles, time.Minute, "go.mod", nil),
			finished("b", "Explain", intent.Chat, 2*time.Minute, "", taskerrors.Timeout("slow")),
			{ID: "c", Status: tasks.StatusExecuting},
		}, nil
	})

	n, err := idx.Sync(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []tasks.TaskStatus{tasks.StatusCompleted, tasks.StatusFailed}, asked)

	hits, err := idx.Search(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(hits))
}
