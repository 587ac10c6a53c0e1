// Package audit keeps a tamper-evident, append-only record of function
// lifecycle transitions. Entries are SHA-256 hash-chained JSON lines.
//
// # Hash chain
//
// The hash of entry N is
//
//	SHA-256( JSON({seq, ts, event, prev_hash}) )
//
// and entry N+1 stores it as prev_hash. The first entry links to
// GenesisHash. Removing, reordering or editing any line breaks the chain,
// which Open and Verify both detect.
//
// # Append semantics
//
// The file is opened with O_APPEND and each entry is written with a single
// write call, so a line is never interleaved with another writer's.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tripwire/bpffs/internal/function"
)

// GenesisHash is the prev_hash of the first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds one log line when reading back.
const maxLine = 1 << 20

// Event is the audited description of one transition. Source text is not
// logged; SourceSHA256 identifies it.
type Event struct {
	Function     string        `json:"function"`
	Op           function.Op   `json:"op"`
	From         string        `json:"from"`
	To           string        `json:"to"`
	Kind         string        `json:"kind,omitempty"`
	Target       string        `json:"event,omitempty"`
	SourceSHA256 string        `json:"source_sha256,omitempty"`
	Failure      *FailureEvent `json:"failure,omitempty"`
	AutoDetached bool          `json:"auto_detached,omitempty"`
}

// FailureEvent summarises a rejected load.
type FailureEvent struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// EventFromTransition converts a lifecycle transition into its audit form.
func EventFromTransition(t function.Transition) Event {
	ev := Event{
		Function:     t.Function,
		Op:           t.Op,
		From:         t.From.String(),
		To:           t.To.String(),
		Kind:         string(t.Kind),
		Target:       t.Event,
		AutoDetached: t.AutoDetached,
	}
	if len(t.Source) > 0 {
		sum := sha256.Sum256(t.Source)
		ev.SourceSHA256 = hex.EncodeToString(sum[:])
	}
	if t.Diagnostic != nil {
		ev.Failure = &FailureEvent{Stage: string(t.Diagnostic.Stage), Message: t.Diagnostic.Error()}
	}
	return ev
}

// Entry is one line of the log.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// hashed is the part of an Entry covered by EventHash.
type hashed struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	PrevHash  string    `json:"prev_hash"`
}

func (e Entry) computeHash() string {
	raw, err := json.Marshal(hashed{Seq: e.Seq, Timestamp: e.Timestamp, Event: e.Event, PrevHash: e.PrevHash})
	if err != nil {
		// Event holds only strings and a bool.
		panic(fmt.Sprintf("audit: marshal entry: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Logger appends entries to one log file. It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
}

// Open opens or creates the log at path. An existing log is verified first
// and the chain continues from its last entry.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{logger: logger, prevHash: GenesisHash}

	if f, err := os.Open(path); err == nil {
		err = readChain(f, func(e Entry) {
			l.seq = e.Seq
			l.prevHash = e.EventHash
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Append writes ev as the next entry and returns it.
func (l *Logger) Append(ev Event) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: time.Now().UTC(),
		Event:     ev,
		PrevHash:  l.prevHash,
	}
	e.EventHash = e.computeHash()

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}
	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// Observe appends the transition. It satisfies function.Observer; write
// failures are logged.
func (l *Logger) Observe(t function.Transition) {
	if _, err := l.Append(EventFromTransition(t)); err != nil {
		l.logger.Error("audit: append failed",
			slog.String("function", t.Function),
			slog.String("op", string(t.Op)),
			slog.Any("error", err),
		)
	}
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path, checks the whole chain and returns its
// entries in order. An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if err := readChain(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, fmt.Errorf("audit: %s: %w", path, err)
	}
	return entries, nil
}

// readChain checks every entry in r against its predecessor and calls fn
// for each one in order.
func readChain(r io.Reader, fn func(Entry)) error {
	prevHash := GenesisHash
	var seq int64

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("malformed entry after seq %d: %w", seq, err)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q", e.Seq, prevHash, e.PrevHash)
		}
		if e.Seq != seq+1 {
			return fmt.Errorf("sequence gap: seq %d follows %d", e.Seq, seq)
		}
		if computed := e.computeHash(); computed != e.EventHash {
			return fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", e.Seq, e.EventHash, computed)
		}
		fn(e)
		prevHash = e.EventHash
		seq = e.Seq
	}
	return scanner.Err()
}
