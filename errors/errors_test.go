package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// 1. Error creation with different codes/categories
// ============================================================================

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		message      string
		wantCategory ErrorCategory
	}{
		{"timeout", ErrCodeTimeout, "attempt timed out", CategoryTransient},
		{"io", ErrCodeIO, "disk unplugged", CategoryTransient},
		{"upstream", ErrCodeUpstream, "backend down", CategoryTransient},
		{"not_found", ErrCodeNotFound, "no such file", CategoryPermanent},
		{"canceled", ErrCodeCanceled, "stopped", CategoryPermanent},
		{"exhausted", ErrCodeRetriesExhausted, "gave up", CategoryPermanent},
		{"internal", ErrCodeInternal, "internal error", CategoryInternal},
		{"panic", ErrCodePanic, "boom", CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message)
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != tt.message {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.message)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err  *Error
		code ErrorCode
	}{
		{Timeout("t"), ErrCodeTimeout},
		{IOError("io"), ErrCodeIO},
		{Upstream("u"), ErrCodeUpstream},
		{NotFound("n"), ErrCodeNotFound},
		{InvalidInput("i"), ErrCodeInvalidInput},
		{Canceled("c"), ErrCodeCanceled},
		{Internal("i"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if tt.err.Code() != tt.code {
			t.Errorf("constructor produced %v, want %v", tt.err.Code(), tt.code)
		}
	}
}

// ============================================================================
// 2. Retryable vs non-retryable errors
// ============================================================================

func TestRetryable(t *testing.T) {
	tests := []struct {
		code      ErrorCode
		wantRetry bool
	}{
		{ErrCodeTimeout, true},
		{ErrCodeIO, true},
		{ErrCodeUpstream, true},
		{ErrCodeNotFound, false},
		{ErrCodeInvalidInput, false},
		{ErrCodeCanceled, false},
		{ErrCodeRetriesExhausted, false},
		{ErrCodeInternal, false},
		{ErrCodePanic, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "test")
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if tt.code.DefaultRetryable() != tt.wantRetry {
				t.Errorf("DefaultRetryable() = %v, want %v", tt.code.DefaultRetryable(), tt.wantRetry)
			}
		})
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := Upstream("payment required", WithRetryable(false))
	if err.Retryable() {
		t.Error("expected error to be non-retryable after override")
	}
	if err.Category() != CategoryTransient {
		t.Error("override should not change the category")
	}
}

// ============================================================================
// 3. Metadata handling
// ============================================================================

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeInternal, "test", WithMetadata("original", "value"))

	meta := err.Metadata()
	meta["injected"] = "x"

	if err.Metadata()["injected"] != "" {
		t.Error("Metadata() should return a copy")
	}
	if New(ErrCodeInternal, "x").Metadata() == nil {
		t.Error("Metadata() should return empty map, not nil")
	}
}

func TestRetriesExhausted(t *testing.T) {
	last := Timeout("read_file exceeded 30s")
	err := RetriesExhausted(3, last, WithTaskID("task-1"))

	if err.Code() != ErrCodeRetriesExhausted {
		t.Fatalf("Code() = %v", err.Code())
	}
	if err.Retryable() {
		t.Error("exhausted errors must not be retryable")
	}
	if err.Metadata()["attempts"] != "3" {
		t.Errorf("attempts metadata = %q", err.Metadata()["attempts"])
	}
	if err.Metadata()["last_code"] != "TIMEOUT" {
		t.Errorf("last_code metadata = %q", err.Metadata()["last_code"])
	}
	if err.TaskID() != "task-1" {
		t.Errorf("TaskID() = %q", err.TaskID())
	}
	if !errors.Is(err, last) {
		t.Error("exhausted error should wrap the last attempt error")
	}
}

// ============================================================================
// 4. Error wrapping and unwrapping
// ============================================================================

func TestWrap(t *testing.T) {
	cause := fmt.Errorf("original error")
	err := Wrap(cause, "wrapped message")

	if err.Error() != "wrapped message: original error" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return cause")
	}
	if err.Code() != ErrCodeInternal {
		t.Errorf("Code() = %v, want INTERNAL", err.Code())
	}
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestWrapPreservesTaskError(t *testing.T) {
	inner := IOError("disk", WithRetryable(false), WithMetadata("path", "/tmp"))
	err := Wrap(inner, "read failed")

	if err.Code() != ErrCodeIO {
		t.Errorf("Code() = %v, want IO_ERROR", err.Code())
	}
	if err.Retryable() {
		t.Error("wrapper should keep the retry override")
	}
	if err.Metadata()["path"] != "/tmp" {
		t.Error("wrapper should keep metadata")
	}
}

func TestWrapContextErrors(t *testing.T) {
	if got := Wrap(context.DeadlineExceeded, "slow").Code(); got != ErrCodeTimeout {
		t.Errorf("deadline mapped to %v", got)
	}
	if got := Wrap(context.Canceled, "stop").Code(); got != ErrCodeCanceled {
		t.Errorf("canceled mapped to %v", got)
	}
	if got := Wrap(fmt.Errorf("x: %w", context.DeadlineExceeded), "slow").Code(); got != ErrCodeTimeout {
		t.Errorf("wrapped deadline mapped to %v", got)
	}
}

func TestHelpers(t *testing.T) {
	err := fmt.Errorf("outer: %w", NotFound("missing"))

	if !Is(err, ErrCodeNotFound) {
		t.Error("Is() should see through fmt wrapping")
	}
	if IsRetryable(err) {
		t.Error("not found should not be retryable")
	}
	if Code(err) != ErrCodeNotFound {
		t.Errorf("Code() = %v", Code(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("plain error should have empty code")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "middle"), "outer")
	if Cause(err) != root {
		t.Errorf("Cause() = %v, want root", Cause(err))
	}
}

// ============================================================================
// 5. JSON round trip
// ============================================================================

func TestJSONRoundTrip(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	orig := RetriesExhausted(3, Timeout("slow", WithTimestamp(ts)),
		WithTaskID("4"), WithTimestamp(ts))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Code() != orig.Code() || got.Category() != orig.Category() {
		t.Errorf("code/category = %v/%v", got.Code(), got.Category())
	}
	if got.Message() != orig.Message() {
		t.Errorf("Message() = %q, want %q", got.Message(), orig.Message())
	}
	if got.TaskID() != "4" || !got.Timestamp().Equal(ts) {
		t.Errorf("task/timestamp = %q/%v", got.TaskID(), got.Timestamp())
	}
	if !Is(got.Unwrap(), ErrCodeTimeout) {
		t.Errorf("inner cause lost its code: %v", got.Unwrap())
	}
	if got.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", got.Error(), orig.Error())
	}
}

func TestJSONPlainCause(t *testing.T) {
	orig := Upstream("chat", WithCause(fmt.Errorf("connection refused")))
	data, _ := json.Marshal(orig)

	if !strings.Contains(string(data), `"cause":"connection refused"`) {
		t.Errorf("plain cause not flattened: %s", data)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Error() != "chat: connection refused" || !got.Retryable() {
		t.Errorf("got %q retryable=%v", got.Error(), got.Retryable())
	}
}

// ============================================================================
// 6. Panic recovery
// ============================================================================

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}

	tests := []struct {
		value interface{}
		want  string
	}{
		{"boom", "boom"},
		{fmt.Errorf("bad"), "bad"},
		{42, "42"},
	}
	for _, tt := range tests {
		err := RecoverPanic(tt.value)
		if err.Code() != ErrCodePanic || err.Retryable() {
			t.Errorf("RecoverPanic(%v) = %v retryable=%v", tt.value, err.Code(), err.Retryable())
		}
		if err.Error() != tt.want {
			t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
		}
	}
}
