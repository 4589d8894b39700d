package turnlog

import (
	"testing"
	"time"
)

func TestLog_AppendAndGetSession(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	rec := TurnRecord{
		TurnID:    "t1",
		SessionID: "s1",
		Status:    "ok",
		StartedAt: time.Now(),
		SealedAt:  time.Now(),
	}
	l.Append(rec)
	l.Close()

	l2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	got := l2.GetSession("s1")
	if len(got) != 1 || got[0].TurnID != "t1" {
		t.Fatalf("expected one turn t1 after reload, got %v", got)
	}
}

func TestLog_AppendIsIdempotentByTurnID(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	rec := TurnRecord{TurnID: "t1", SessionID: "s1", Status: "ok", SealedAt: time.Now()}
	l.Append(rec)
	l.Append(rec)

	waitFor(t, func() bool { return len(l.GetSession("s1")) == 1 })
}

func TestLog_GetTurn(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer l.Close()

	l.Append(TurnRecord{TurnID: "t1", SessionID: "s1", Status: "ok", SealedAt: time.Now()})

	waitFor(t, func() bool {
		_, ok := l.GetTurn("t1")
		return ok
	})

	if _, ok := l.GetTurn("missing"); ok {
		t.Fatalf("expected miss for unknown turn_id")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within timeout")
}
