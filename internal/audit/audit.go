// Package audit provides the append-only audit log. Every AI decision, stage
// completion, and tool-invocation state transition is recorded as an Entry.
// Entries are immutable once written: the log exposes append, read, and stream
// operations and nothing else.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EntryType classifies an audit entry.
type EntryType string

const (
	// Pipeline events.
	EntryRunTriggered EntryType = "run_triggered"
	EntryRunStage     EntryType = "run_stage"
	EntryRunComplete  EntryType = "run_complete"
	EntryRunFailed    EntryType = "run_failed"
	EntryRunAborted   EntryType = "run_aborted"

	// Gateway events. One entry per invocation state transition.
	EntryInvocationState   EntryType = "invocation_state"
	EntryValidationReject  EntryType = "validation_reject"
	EntryRollback          EntryType = "rollback"
	EntryKillSwitch        EntryType = "kill_switch"

	// Oracle events.
	EntryOracleDecision EntryType = "oracle_decision"
)

// Entry is one immutable audit record. It references an analysis run or a tool
// invocation, never raw artifact or result content.
type Entry struct {
	Seq          uint64         `json:"seq"`
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"ts"`
	Type         EntryType      `json:"type"`
	ProjectID    string         `json:"project,omitempty"`
	RunID        string         `json:"run,omitempty"`
	InvocationID string         `json:"invocation,omitempty"`
	Actor        string         `json:"actor,omitempty"`
	State        string         `json:"state,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Success      bool           `json:"success"`
	Summary      string         `json:"summary,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// Log is the append-only audit log. Appends are serialized so concurrent
// writers from different runs and invocations never interleave into a
// corrupted entry.
type Log struct {
	mu      sync.Mutex
	seq     uint64
	entries []Entry

	file   *os.File
	logger *zap.Logger

	subsMu sync.Mutex
	subs   map[int]chan Entry
	nextID int
}

// Option configures a Log.
type Option func(*Log) error

// WithSink appends every entry as a JSON line to the given file path.
func WithSink(path string) Option {
	return func(l *Log) error {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open audit sink: %w", err)
		}
		l.file = f
		return nil
	}
}

// WithLogger attaches a zap logger for sink write failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) error {
		l.logger = logger
		return nil
	}
}

// NewLog creates an audit log.
func NewLog(opts ...Option) (*Log, error) {
	l := &Log{
		logger: zap.NewNop(),
		subs:   make(map[int]chan Entry),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Append records an entry. The log assigns sequence number, ID, and timestamp;
// caller-provided values for those fields are ignored.
func (l *Log) Append(e Entry) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	l.entries = append(l.entries, e)

	if l.file != nil {
		if data, err := json.Marshal(e); err == nil {
			if _, werr := l.file.Write(append(data, '\n')); werr != nil {
				l.logger.Error("audit sink write failed", zap.Error(werr))
			}
		}
	}

	// Subscribers are notified inside the same critical section that assigned
	// the sequence number, so every channel sees entries in append order.
	l.subsMu.Lock()
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// A slow consumer must not block the writer.
		}
	}
	l.subsMu.Unlock()
	return e
}

// Entries returns a copy of all entries with Seq > sinceSeq, in append order.
func (l *Log) Entries(sinceSeq uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries appended so far.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Subscribe returns a channel receiving future entries and a cancel function.
// Entries already appended are not replayed; use Entries for catch-up.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 256)

	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subsMu.Unlock()

	cancel := func() {
		l.subsMu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.subsMu.Unlock()
	}
	return ch, cancel
}

// Close flushes and closes the JSONL sink, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
