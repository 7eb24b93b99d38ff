package callog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/voicewire/callbridge/internal/notify"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "calls.db"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleCall(id string, endedAgo time.Duration) notify.CallInfo {
	end := time.Now().Add(-endedAgo)
	return notify.CallInfo{
		CallID:              id,
		AgentID:             "agent-1",
		CallType:            "phone_call",
		Direction:           "inbound",
		FromNumber:          "+15550001111",
		ToNumber:            "+15550002222",
		StartTimestamp:      end.Add(-90 * time.Second).UnixMilli(),
		EndTimestamp:        end.UnixMilli(),
		DisconnectionReason: "user_hangup",
		Transcript:          "User: hi\nAgent: hello",
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(Config{}); err == nil {
		t.Error("missing path must fail")
	}
}

func TestRecordAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, sampleCall("c1", time.Minute)); err != nil {
		t.Fatal(err)
	}

	r, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if r.AgentID != "agent-1" || r.DisconnectionReason != "user_hangup" {
		t.Errorf("record = %+v", r)
	}
	if r.Duration() != 90*time.Second {
		t.Errorf("duration = %v", r.Duration())
	}
	if r.Transcript == "" {
		t.Error("transcript not persisted")
	}

	if _, err := s.Get(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing record err = %v", err)
	}
}

func TestRecordReplacesSameCall(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := sampleCall("c1", time.Minute)
	if err := s.Record(ctx, first); err != nil {
		t.Fatal(err)
	}
	second := first
	second.DisconnectionReason = "call_transferred"
	if err := s.Record(ctx, second); err != nil {
		t.Fatal(err)
	}

	r, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if r.DisconnectionReason != "call_transferred" {
		t.Errorf("reason = %q", r.DisconnectionReason)
	}
	recent, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 {
		t.Errorf("rows = %d, want 1", len(recent))
	}
}

func TestRecentOrdersByEndTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, age := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		call := sampleCall(string(rune('a'+i)), age)
		if err := s.Record(ctx, call); err != nil {
			t.Fatal(err)
		}
	}

	recent, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 {
		t.Fatalf("rows = %d", len(recent))
	}
	if recent[0].CallID != "b" || recent[1].CallID != "c" {
		t.Errorf("order = %q, %q", recent[0].CallID, recent[1].CallID)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, sampleCall("old", 48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, sampleCall("fresh", time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := s.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old record err = %v", err)
	}
	if _, err := s.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh record err = %v", err)
	}
}
