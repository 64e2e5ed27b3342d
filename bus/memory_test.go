package bus

import (
	"sync"
	"testing"
	"time"
)

func TestValidateSubject(t *testing.T) {
	valid := []string{"dispatch.submitted", "dispatch.done.agent-task-1", "dispatch.worker.*", "dispatch.>"}
	invalid := []string{"", "dispatch..done", "dispatch.>.done", "dispatch.done.read file", "dispatch.\t"}

	for _, s := range valid {
		if err := ValidateSubject(s); err != nil {
			t.Errorf("ValidateSubject(%q) = %v", s, err)
		}
	}
	for _, s := range invalid {
		if err := ValidateSubject(s); err != ErrInvalidSubject {
			t.Errorf("ValidateSubject(%q) = %v, want ErrInvalidSubject", s, err)
		}
	}
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"dispatch.submitted", "dispatch.submitted", true},
		{"dispatch.done.*", "dispatch.done.1", true},
		{"dispatch.done.*", "dispatch.done", false},
		{"dispatch.done.*", "dispatch.done.1.x", false},
		{"dispatch.>", "dispatch.done.1", true},
		{"dispatch.>", "dispatch", false},
		{"*.done.1", "dispatch.done.1", true},
		{"dispatch.done.1", "dispatch.done.2", false},
	}
	for _, tt := range tests {
		if got := MatchSubject(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("MatchSubject(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

// drain counts what arrives on sub until it has been quiet for a moment.
func drain(sub Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Messages():
			n++
		case <-time.After(50 * time.Millisecond):
			return n
		}
	}
}

func TestMemoryBus_CompletionFansOut(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	waiter, _ := b.Subscribe("dispatch.done.agent-task-1")
	monitor, _ := b.Subscribe("dispatch.done.>")
	other, _ := b.Subscribe("dispatch.done.agent-task-2")

	if err := b.Publish("dispatch.done.agent-task-1", []byte(`{"status":"completed"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for name, sub := range map[string]Subscription{"waiter": waiter, "monitor": monitor} {
		select {
		case msg := <-sub.Messages():
			if msg.Subject != "dispatch.done.agent-task-1" || string(msg.Data) != `{"status":"completed"}` {
				t.Errorf("%s got %+v", name, msg)
			}
		case <-time.After(time.Second):
			t.Errorf("%s: timeout", name)
		}
	}
	if n := drain(other); n != 0 {
		t.Errorf("unrelated waiter received %d messages", n)
	}
}

func TestMemoryBus_SubmissionsSplitAcrossWorkers(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	workers := make([]Subscription, 3)
	for i := range workers {
		workers[i], _ = b.QueueSubscribe("dispatch.submitted", "workers")
	}
	audit, _ := b.QueueSubscribe("dispatch.submitted", "audit")

	for i := 0; i < 10; i++ {
		b.Publish("dispatch.submitted", []byte("t"))
	}

	total := 0
	for _, w := range workers {
		total += drain(w)
	}
	if total != 10 {
		t.Errorf("workers received %d, want 10", total)
	}
	if n := drain(audit); n != 10 {
		t.Errorf("second queue group received %d, want 10", n)
	}
}

func TestMemoryBus_QueueSkipsFullMember(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 1})
	defer b.Close()

	w1, _ := b.QueueSubscribe("dispatch.submitted", "workers")
	w2, _ := b.QueueSubscribe("dispatch.submitted", "workers")

	b.Publish("dispatch.submitted", []byte("1"))
	b.Publish("dispatch.submitted", []byte("2"))

	if got := drain(w1) + drain(w2); got != 2 {
		t.Errorf("received %d, want 2 when one member is full", got)
	}
}

func TestMemoryBus_FullBufferDrops(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 1})
	defer b.Close()

	sub, _ := b.Subscribe("dispatch.worker.w1")
	b.Publish("dispatch.worker.w1", []byte("1"))
	b.Publish("dispatch.worker.w1", []byte("2"))

	msg := <-sub.Messages()
	if string(msg.Data) != "1" {
		t.Errorf("kept %q, want the first heartbeat", msg.Data)
	}
	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected %q", msg.Data)
	default:
	}
}

func TestMemoryBus_PublishRejects(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	for _, subject := range []string{"", "dispatch.*", "dispatch.>"} {
		if err := b.Publish(subject, nil); err != ErrInvalidSubject {
			t.Errorf("Publish(%q) = %v, want ErrInvalidSubject", subject, err)
		}
	}
	if _, err := b.QueueSubscribe("dispatch.submitted", ""); err != ErrInvalidSubject {
		t.Errorf("empty queue name: %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	defer b.Close()

	sub, _ := b.Subscribe("dispatch.done.x")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe: %v", err)
	}
	if err := b.Publish("dispatch.done.x", nil); err != nil {
		t.Errorf("Publish after Unsubscribe: %v", err)
	}
}

func TestMemoryBus_UnsubscribeDuringPublish(t *testing.T) {
	b := NewMemoryBus(Config{BufferSize: 1})
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sub, _ := b.QueueSubscribe("dispatch.submitted", "workers")
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish("dispatch.submitted", []byte("x"))
		}()
		go func() {
			defer wg.Done()
			sub.Unsubscribe()
		}()
	}
	wg.Wait()
}

func TestMemoryBus_Close(t *testing.T) {
	b := NewMemoryBus(DefaultConfig())
	sub, _ := b.Subscribe("dispatch.done.x")

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
	if err := b.Publish("dispatch.done.x", nil); err != ErrClosed {
		t.Errorf("Publish: expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe("dispatch.done.x"); err != ErrClosed {
		t.Errorf("Subscribe: expected ErrClosed, got %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.QueueSubscribe("dispatch.submitted", "workers")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte(`{"task_id":"bench"}`)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish("dispatch.submitted", data)
	}
}
