package activity

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/llm"
	"github.com/vinayprograms/taskdispatch/logging"
)

type fakeFS struct {
	files map[string]string
	dirs  map[string][]string
	err   error
}

func (f *fakeFS) ReadFile(path string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist}
	}
	return []byte(data), nil
}

func (f *fakeFS) ReadDir(dir string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	names, ok := f.dirs[dir]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrNotExist}
	}
	return names, nil
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(discard{})
	return l
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(cfg)
}

func TestExecute_ReadFile(t *testing.T) {
	exec := newExecutor(t, Config{FS: &fakeFS{files: map[string]string{"requirements.txt": "zap\n"}}})

	out, err := exec.Execute(context.Background(), intent.ReadFile, map[string]string{intent.ParamPath: "requirements.txt"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "zap\n", out)
}

func TestExecute_ReadFileErrors(t *testing.T) {
	t.Run("missing file is NOT_FOUND", func(t *testing.T) {
		exec := newExecutor(t, Config{FS: &fakeFS{}})
		_, err := exec.Execute(context.Background(), intent.ReadFile, map[string]string{intent.ParamPath: "nope.txt"}, time.Second)
		require.Error(t, err)
		assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeNotFound))
		assert.False(t, taskerrors.IsRetryable(err))
		assert.Equal(t, "nope.txt", taskerrors.AsTaskError(err).Metadata()["path"])
	})

	t.Run("unreadable file is IO_ERROR", func(t *testing.T) {
		exec := newExecutor(t, Config{FS: &fakeFS{err: fs.ErrPermission}})
		_, err := exec.Execute(context.Background(), intent.ReadFile, map[string]string{intent.ParamPath: "secret"}, time.Second)
		assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeIO))
		assert.True(t, taskerrors.IsRetryable(err))
	})

	t.Run("missing path is INVALID_INPUT", func(t *testing.T) {
		exec := newExecutor(t, Config{FS: &fakeFS{}})
		_, err := exec.Execute(context.Background(), intent.ReadFile, nil, time.Second)
		assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeInvalidInput))
		assert.False(t, taskerrors.IsRetryable(err))
	})
}

func TestExecute_ListFiles(t *testing.T) {
	exec := newExecutor(t, Config{FS: &fakeFS{dirs: map[string][]string{".": {"a.go", "b.go", "go.mod"}}}})

	out, err := exec.Execute(context.Background(), intent.ListFiles, map[string]string{intent.ParamDirectory: "."}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a.go\nb.go\ngo.mod", out)
}

func TestExecute_GetTime(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 1, 0, time.Local)
	exec := newExecutor(t, Config{Clock: fixedClock(now)})

	out, err := exec.Execute(context.Background(), intent.GetTime, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09 07:05:01", out)
}

func TestExecute_GetTimeSystemClockFormat(t *testing.T) {
	exec := newExecutor(t, Config{})
	out, err := exec.Execute(context.Background(), intent.GetTime, nil, time.Second)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`), out)
}

func TestExecute_Chat(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetResponse("Machine learning is...")
	exec := newExecutor(t, Config{Provider: mock})

	out, err := exec.Execute(context.Background(), intent.Chat, map[string]string{intent.ParamPrompt: "What is machine learning?"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Machine learning is...", out)
	require.NotNil(t, mock.LastRequest())
	assert.Equal(t, []llm.Message{{Role: "user", Content: "What is machine learning?"}}, mock.LastRequest().Messages)
}

func TestExecute_ChatWithoutProvider(t *testing.T) {
	exec := newExecutor(t, Config{})
	_, err := exec.Execute(context.Background(), intent.Chat, map[string]string{intent.ParamPrompt: "hi"}, time.Second)
	assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeInvalidInput))
}

func TestExecute_TimeoutWhenHandlerIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	mock := llm.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-release
		return &llm.ChatResponse{Content: "late"}, nil
	}
	exec := newExecutor(t, Config{Provider: mock})

	start := time.Now()
	_, err := exec.Execute(context.Background(), intent.Chat, map[string]string{intent.ParamPrompt: "hi"}, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeTimeout))
	assert.True(t, taskerrors.IsRetryable(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecute_ParentCancelIsCanceled(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	exec := newExecutor(t, Config{Provider: mock})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := exec.Execute(ctx, intent.Chat, map[string]string{intent.ParamPrompt: "hi"}, time.Minute)
	assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeCanceled))
}

func TestExecute_PanicBecomesPanicError(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, call int, req llm.ChatRequest) (*llm.ChatResponse, error) {
		panic("boom")
	}
	exec := newExecutor(t, Config{Provider: mock})

	_, err := exec.Execute(context.Background(), intent.Chat, map[string]string{intent.ParamPrompt: "hi"}, time.Second)
	assert.True(t, taskerrors.Is(err, taskerrors.ErrCodePanic))
	assert.False(t, taskerrors.IsRetryable(err))
}

func TestExecute_UnknownIntent(t *testing.T) {
	exec := newExecutor(t, Config{})
	_, err := exec.Execute(context.Background(), intent.Unclassified, nil, time.Second)
	assert.True(t, taskerrors.Is(err, taskerrors.ErrCodeInvalidInput))
}

func TestExecute_PlainErrorsAreWrapped(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetError(errors.New("socket closed"))
	exec := newExecutor(t, Config{Provider: mock, Breaker: BreakerConfig{Disabled: true}})

	_, err := exec.Execute(context.Background(), intent.Chat, map[string]string{intent.ParamPrompt: "hi"}, time.Second)
	require.NotNil(t, taskerrors.AsTaskError(err))
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetError(taskerrors.Upstream("backend down"))
	exec := newExecutor(t, Config{Provider: mock, Breaker: BreakerConfig{MaxFailures: 2, OpenTimeout: time.Minute}})
	params := map[string]string{intent.ParamPrompt: "hi"}

	for i := 0; i < 2; i++ {
		_, err := exec.Execute(context.Background(), intent.Chat, params, time.Second)
		require.True(t, taskerrors.Is(err, taskerrors.ErrCodeUpstream))
	}
	_, err := exec.Execute(context.Background(), intent.Chat, params, time.Second)
	require.True(t, taskerrors.Is(err, taskerrors.ErrCodeUpstream))
	assert.True(t, taskerrors.IsRetryable(err))
	assert.Equal(t, "circuit_open", taskerrors.AsTaskError(err).Metadata()["reason"])
	assert.Equal(t, 2, mock.CallCount(), "open circuit must not reach the backend")
}

func TestBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	mock := llm.NewMockProvider()
	mock.SetError(taskerrors.Upstream("bad key", taskerrors.WithRetryable(false)))
	exec := newExecutor(t, Config{Provider: mock, Breaker: BreakerConfig{MaxFailures: 1}})
	params := map[string]string{intent.ParamPrompt: "hi"}

	for i := 0; i < 3; i++ {
		exec.Execute(context.Background(), intent.Chat, params, time.Second)
	}
	assert.Equal(t, 3, mock.CallCount())
}

func TestOSFileSystem(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))

	var fsys OSFileSystem
	names, err := fsys.ReadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)

	_, err = fsys.ReadFile(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}
