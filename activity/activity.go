package activity

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	taskerrors "github.com/vinayprograms/taskdispatch/errors"
	"github.com/vinayprograms/taskdispatch/intent"
	"github.com/vinayprograms/taskdispatch/llm"
	"github.com/vinayprograms/taskdispatch/logging"
)

// TimeLayout is the format GetTime results are rendered in.
const TimeLayout = "2006-01-02 15:04:05"

// FileSystem is the read-only file collaborator.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	// ReadDir returns entry names in a stable order.
	ReadDir(dir string) ([]string, error)
}

// Clock is the time collaborator.
type Clock interface {
	Now() time.Time
}

// OSFileSystem reads from the local disk.
type OSFileSystem struct{}

// ReadFile reads a whole file.
func (OSFileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// ReadDir lists directory entry names sorted by name.
func (OSFileSystem) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// SystemClock reads the local wall clock.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time { return time.Now() }

// Config configures an Executor.
type Config struct {
	FS       FileSystem
	Clock    Clock
	Provider llm.Provider
	Breaker  BreakerConfig
	Logger   *logging.Logger
}

// Executor runs activities. It is safe for concurrent use.
type Executor struct {
	fs       FileSystem
	clock    Clock
	provider llm.Provider
	breaker  *chatBreaker
	logger   *logging.Logger
}

// New creates an Executor. Nil collaborators fall back to the local disk
// and wall clock; a nil Provider makes chat tasks fail with INVALID_INPUT.
func New(cfg Config) *Executor {
	if cfg.FS == nil {
		cfg.FS = OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	logger := cfg.Logger.WithComponent("activity")
	return &Executor{
		fs:       cfg.FS,
		clock:    cfg.Clock,
		provider: cfg.Provider,
		breaker:  newChatBreaker(cfg.Breaker, logger),
		logger:   logger,
	}
}

type result struct {
	value string
	err   error
}

// Execute runs the handler for in with the given parameters.
//
// The timeout is enforced here: once it elapses Execute returns TIMEOUT
// even when the handler ignores its context. A non-positive timeout means
// no per-attempt bound. Cancellation of ctx yields CANCELED.
func (e *Executor) Execute(ctx context.Context, in intent.Intent, params map[string]string, timeout time.Duration) (string, error) {
	handler, err := e.handler(in)
	if err != nil {
		return "", err
	}

	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: taskerrors.RecoverPanic(r)}
			}
		}()
		v, err := handler(attemptCtx, params)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", e.normalize(ctx, attemptCtx, in, r.err)
		}
		return r.value, nil
	case <-attemptCtx.Done():
		return "", e.normalize(ctx, attemptCtx, in, attemptCtx.Err())
	}
}

// normalize guarantees a coded error, attributing context expiry to the
// attempt timeout or to the caller.
func (e *Executor) normalize(parent, attempt context.Context, in intent.Intent, err error) error {
	if parent.Err() != nil {
		return taskerrors.Canceled(string(in)+" attempt interrupted", taskerrors.WithCause(parent.Err()))
	}
	if attempt.Err() == context.DeadlineExceeded && !taskerrors.Is(err, taskerrors.ErrCodeTimeout) {
		return taskerrors.Timeout(string(in)+" attempt exceeded its timeout", taskerrors.WithCause(err))
	}
	if te := taskerrors.AsTaskError(err); te != nil {
		return te
	}
	return taskerrors.Wrap(err, string(in)+" failed")
}

type handlerFunc func(ctx context.Context, params map[string]string) (string, error)

func (e *Executor) handler(in intent.Intent) (handlerFunc, error) {
	switch in {
	case intent.ReadFile:
		return e.readFile, nil
	case intent.ListFiles:
		return e.listFiles, nil
	case intent.GetTime:
		return e.getTime, nil
	case intent.Chat:
		return e.chat, nil
	}
	return nil, taskerrors.InvalidInput("no handler for intent " + string(in))
}

func requireParam(params map[string]string, name string) (string, error) {
	v, ok := params[name]
	if !ok || v == "" {
		return "", taskerrors.InvalidInput("missing parameter "+name, taskerrors.WithMetadata("param", name))
	}
	return v, nil
}

func (e *Executor) readFile(ctx context.Context, params map[string]string) (string, error) {
	path, err := requireParam(params, intent.ParamPath)
	if err != nil {
		return "", err
	}
	data, err := e.fs.ReadFile(path)
	if err != nil {
		return "", fsError(err, path)
	}
	return string(data), nil
}

func (e *Executor) listFiles(ctx context.Context, params map[string]string) (string, error) {
	dir, err := requireParam(params, intent.ParamDirectory)
	if err != nil {
		return "", err
	}
	names, err := e.fs.ReadDir(dir)
	if err != nil {
		return "", fsError(err, dir)
	}
	return strings.Join(names, "\n"), nil
}

func (e *Executor) getTime(ctx context.Context, params map[string]string) (string, error) {
	return e.clock.Now().Format(TimeLayout), nil
}

func (e *Executor) chat(ctx context.Context, params map[string]string) (string, error) {
	// An empty prompt is valid; empty text classifies as chat.
	prompt, ok := params[intent.ParamPrompt]
	if !ok {
		return "", taskerrors.InvalidInput("missing parameter "+intent.ParamPrompt, taskerrors.WithMetadata("param", intent.ParamPrompt))
	}
	if e.provider == nil {
		return "", taskerrors.InvalidInput("no generation backend configured")
	}
	resp, err := e.breaker.call(func() (*llm.ChatResponse, error) {
		return e.provider.Chat(ctx, llm.UserPrompt(prompt))
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// fsError maps file collaborator failures onto the taxonomy.
func fsError(err error, path string) error {
	opts := []taskerrors.Option{taskerrors.WithCause(err), taskerrors.WithMetadata("path", path)}
	if errors.Is(err, fs.ErrNotExist) {
		return taskerrors.NotFound(path+" does not exist", opts...)
	}
	return taskerrors.IOError("cannot read "+path, opts...)
}
