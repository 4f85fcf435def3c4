package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMuxDispatch(t *testing.T) {
	mux := NewMux()
	var got string
	mux.Handle("webhook.message", func(ctx context.Context, task *Task) error {
		var p struct {
			MessageID string `json:"message_id"`
		}
		if err := task.Decode(&p); err != nil {
			return err
		}
		got = p.MessageID
		return nil
	})

	err := mux.Dispatch(context.Background(), &Task{Type: "webhook.message", Payload: []byte(`{"message_id":"M1"}`)})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "M1" {
		t.Errorf("payload = %q", got)
	}

	err = mux.Dispatch(context.Background(), &Task{Type: "webhook.message", Payload: []byte(`not json`)})
	if !IsPermanent(err) {
		t.Errorf("bad payload err = %v, want permanent", err)
	}

	err = mux.Dispatch(context.Background(), &Task{Type: "unknown"})
	if !IsPermanent(err) {
		t.Errorf("unknown type err = %v, want permanent", err)
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("boom")
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) must be nil")
	}
	wrapped := fmt.Errorf("handler: %w", Permanent(base))
	if !IsPermanent(wrapped) {
		t.Error("wrapped permanent error not detected")
	}
	if !errors.Is(wrapped, base) {
		t.Error("permanent error must unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(10*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(10s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDecide(t *testing.T) {
	transient := errors.New("503")
	tests := []struct {
		name    string
		err     error
		attempt int
		want    outcome
	}{
		{"success", nil, 1, outcomeAck},
		{"transient first attempt", transient, 1, outcomeRetry},
		{"transient last attempt", transient, 3, outcomeTerm},
		{"permanent first attempt", Permanent(transient), 1, outcomeTerm},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.err, tt.attempt, 3); got != tt.want {
				t.Errorf("decide = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("conversation.sync"); got != "mailsync.tasks.conversation.sync" {
		t.Errorf("Subject = %q", got)
	}
}
