// Package turnlog implements the append-only Turn Log (spec.md C6): a
// line-delimited JSON file per day for the full stream, plus one JSON
// document per session for indexed retrieval. The teacher traces runs to
// PostgreSQL via a buffered channel and background drain goroutine
// (internal/trace/tracer.go); this keeps that async, best-effort shape but
// writes to the filesystem instead, since spec.md §4.6 specifies file-based
// storage as the canonical store.
package turnlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// logChannelBuffer bounds how many sealed turns can queue before the drain
// goroutine catches up; Append never blocks the caller past this.
const logChannelBuffer = 128

// TurnRecord is one sealed turn (spec.md §4.3 "seal the turn"). Status is
// one of "ok", "filtered", "no_transcription", "error", "timeout",
// "interrupted", mirroring the Turn Pipeline's terminal outcomes. No status
// marks a turn cut short by session shutdown; such a turn is sealed with
// the status of the stage that observed the cancellation.
type TurnRecord struct {
	TurnID        string    `json:"turn_id"`
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	SealedAt      time.Time `json:"sealed_at"`
	Transcript    string    `json:"transcript,omitempty"`
	Response      string    `json:"response,omitempty"`
	Status        string    `json:"status"`
	ErrorReason   string    `json:"error_reason,omitempty"`
	TTSChunksSent int       `json:"tts_chunks_sent,omitempty"`
	DurationMs    float64   `json:"duration_ms,omitempty"`
}

// Log appends sealed turns to disk asynchronously and serves read-side
// lookups from an in-memory index built at startup and kept current on
// every append.
type Log struct {
	dir string

	mu       sync.RWMutex
	bySess   map[string][]TurnRecord
	byTurn   map[string]TurnRecord
	fileLock sync.Mutex // serializes writes to the per-day jsonl file

	ch   chan TurnRecord
	done chan struct{}
}

// Open loads the existing per-session documents under dir (if any) and
// starts the background append goroutine. dir is created if missing.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: create dir: %w", err)
	}

	l := &Log{
		dir:    dir,
		bySess: make(map[string][]TurnRecord),
		byTurn: make(map[string]TurnRecord),
		ch:     make(chan TurnRecord, logChannelBuffer),
		done:   make(chan struct{}),
	}

	if err := l.loadExisting(); err != nil {
		return nil, err
	}

	go l.drain()
	return l, nil
}

func (l *Log) loadExisting() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("turnlog: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(l.dir, e.Name()))
		if readErr != nil {
			continue
		}
		var recs []TurnRecord
		if json.Unmarshal(data, &recs) != nil {
			continue
		}
		for _, r := range recs {
			l.index(r)
		}
	}
	return nil
}

func (l *Log) index(r TurnRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.byTurn[r.TurnID]; exists {
		return
	}
	l.byTurn[r.TurnID] = r
	l.bySess[r.SessionID] = append(l.bySess[r.SessionID], r)
}

// Append enqueues a sealed turn for durable storage. Idempotent: a turn_id
// already recorded is a no-op (spec.md §4.6 "append(turn) is called exactly
// once per sealed turn" — this is the safety net for at-least-once callers).
// Best-effort: Append itself never fails the caller; write errors are logged.
func (l *Log) Append(rec TurnRecord) {
	l.mu.RLock()
	_, exists := l.byTurn[rec.TurnID]
	l.mu.RUnlock()
	if exists {
		return
	}
	l.index(rec)

	select {
	case l.ch <- rec:
	default:
		slog.Warn("turnlog: append channel full, writing synchronously", "turn_id", rec.TurnID)
		l.persist(rec)
	}
}

func (l *Log) drain() {
	defer close(l.done)
	for rec := range l.ch {
		l.persist(rec)
	}
}

func (l *Log) persist(rec TurnRecord) {
	if err := l.appendDailyJSONL(rec); err != nil {
		slog.Error("turnlog: daily jsonl append failed", "turn_id", rec.TurnID, "error", err)
	}
	if err := l.rewriteSessionDoc(rec.SessionID); err != nil {
		slog.Error("turnlog: session doc rewrite failed", "session_id", rec.SessionID, "error", err)
	}
}

func (l *Log) appendDailyJSONL(rec TurnRecord) error {
	name := filepath.Join(l.dir, fmt.Sprintf("turns_%s.jsonl", rec.SealedAt.Format("20060102")))

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal turn record: %w", err)
	}

	l.fileLock.Lock()
	defer l.fileLock.Unlock()

	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	if _, err = f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write daily log: %w", err)
	}
	return nil
}

// rewriteSessionDoc atomically rewrites <dir>/session_<id>.json with the
// full, current set of turns for that session (write-to-temp-then-rename so
// concurrent readers never see a partial document).
func (l *Log) rewriteSessionDoc(sessionID string) error {
	l.mu.RLock()
	recs := make([]TurnRecord, len(l.bySess[sessionID]))
	copy(recs, l.bySess[sessionID])
	l.mu.RUnlock()

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session doc: %w", err)
	}

	final := filepath.Join(l.dir, fmt.Sprintf("session_%s.json", sessionID))
	tmp := final + ".tmp"

	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp session doc: %w", err)
	}
	if err = os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename session doc: %w", err)
	}
	return nil
}

// GetSession returns all turns for sessionID in start order.
func (l *Log) GetSession(sessionID string) []TurnRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]TurnRecord, len(l.bySess[sessionID]))
	copy(out, l.bySess[sessionID])
	return out
}

// GetTurn returns one turn by ID.
func (l *Log) GetTurn(turnID string) (TurnRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.byTurn[turnID]
	return rec, ok
}

// Close flushes pending writes and stops the background goroutine.
func (l *Log) Close() {
	close(l.ch)
	<-l.done
}
