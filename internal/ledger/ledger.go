// Package ledger is the append-only encrypted audit trail.
//
// Each record is serialized as "seq|timestamp|kind|payload", obfuscated with
// XORCipher and written as one line. Sequence numbers start at 1 and never
// skip, also across restarts.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var (
	ErrLedgerWrite   = errors.New("ledger write failed")
	ErrClosed        = errors.New("ledger closed")
	ErrCorruptRecord = errors.New("ledger record corrupt")
	ErrIntegrity     = errors.New("ledger integrity check failed")
	ErrFailed        = errors.New("ledger failed")
)

const maxLineSize = 1 << 20

// Event is anything the ledger can record.
type Event interface {
	LedgerKind() string
	LedgerTime() time.Time
}

type Config struct {
	Path       string `yaml:"path"`
	Key        string `yaml:"key"`
	HMACKey    string `yaml:"hmac_key"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// Entry is a decrypted record.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// appendFile is the part of *os.File the writer uses.
type appendFile interface {
	io.Writer
	Truncate(size int64) error
	Sync() error
	Close() error
}

type Ledger struct {
	mu     sync.Mutex
	cfg    Config
	cipher *XORCipher
	file   appendFile
	size   int64 // end of the last complete line
	seq    uint64
	closed bool
	broken error
}

// Open opens (or creates) the ledger file and recovers the last sequence
// number from it.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: path is required")
	}
	c, err := NewXORCipher(cfg.Key, cfg.HMACKey)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("ledger: create dir: %w", err)
		}
	}

	l := &Ledger{cfg: cfg, cipher: c}
	last, err := l.lastSeq()
	if err != nil {
		return nil, err
	}
	l.seq = last

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", cfg.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ledger: stat %s: %w", cfg.Path, err)
	}
	l.file = f
	l.size = st.Size()
	logger.Info("Ledger opened at %s (last seq %d)", cfg.Path, last)
	return l, nil
}

// Append records ev and returns its sequence number. The sequence number is
// only consumed when the line reached the file. A partial line is cut off
// again; if that fails the ledger refuses further writes.
func (l *Ledger) Append(ev Event) (uint64, error) {
	kind := ev.LedgerKind()
	if kind == "" || strings.ContainsRune(kind, '|') {
		return 0, fmt.Errorf("%w: invalid kind %q", ErrLedgerWrite, kind)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: encode %s: %v", ErrLedgerWrite, kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("%w: %w", ErrLedgerWrite, ErrClosed)
	}
	if l.broken != nil {
		return 0, fmt.Errorf("%w: %w: %v", ErrLedgerWrite, ErrFailed, l.broken)
	}

	seq := l.seq + 1
	line := l.cipher.Seal(canonical(seq, ev.LedgerTime(), kind, payload)) + "\n"
	n, err := l.file.Write([]byte(line))
	if err != nil {
		if n > 0 {
			l.rollback(err)
		}
		return 0, fmt.Errorf("%w: %v", ErrLedgerWrite, err)
	}
	if l.cfg.SyncWrites {
		if err := l.file.Sync(); err != nil {
			l.rollback(err)
			return 0, fmt.Errorf("%w: sync: %v", ErrLedgerWrite, err)
		}
	}
	l.size += int64(n)
	l.seq = seq
	return seq, nil
}

// rollback cuts a partially written line off the file.
func (l *Ledger) rollback(cause error) {
	if err := l.file.Truncate(l.size); err != nil {
		l.broken = fmt.Errorf("partial line after %v not removed: %w", cause, err)
		logger.Error("Ledger %s: %v", l.cfg.Path, l.broken)
		return
	}
	logger.Warn("Ledger %s: removed partial line after write error: %v", l.cfg.Path, cause)
}

// Seq returns the last written sequence number.
func (l *Ledger) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Ledger) Path() string { return l.cfg.Path }

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// ReadAll returns the decrypted records in file order. Every range over the
// returned sequence reads the file again from the start. Undecodable lines are
// yielded as errors and skipped.
func (l *Ledger) ReadAll(ctx context.Context) iter.Seq2[Entry, error] {
	return ReadFile(ctx, l.cfg.Path, l.cipher)
}

// ReadFile is ReadAll for a ledger that is not open for writing.
func ReadFile(ctx context.Context, path string, c *XORCipher) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			yield(Entry{}, fmt.Errorf("ledger: open %s: %w", path, err))
			return
		}
		defer f.Close()

		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		lineNo := 0
		for sc.Scan() {
			lineNo++
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			if strings.TrimSpace(sc.Text()) == "" {
				continue
			}
			e, err := decodeLine(c, sc.Text())
			if err != nil {
				err = fmt.Errorf("line %d: %w", lineNo, err)
			}
			if !yield(e, err) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(Entry{}, fmt.Errorf("ledger: scan: %w", err))
		}
	}
}

func (l *Ledger) lastSeq() (uint64, error) {
	var last uint64
	for e, err := range ReadFile(context.Background(), l.cfg.Path, l.cipher) {
		if err != nil {
			if errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrIntegrity) {
				logger.Warn("Ledger recovery skipped a record: %v", err)
				continue
			}
			return 0, err
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

func canonical(seq uint64, ts time.Time, kind string, payload []byte) []byte {
	b := make([]byte, 0, len(payload)+64)
	b = strconv.AppendUint(b, seq, 10)
	b = append(b, '|')
	b = ts.UTC().AppendFormat(b, time.RFC3339Nano)
	b = append(b, '|')
	b = append(b, kind...)
	b = append(b, '|')
	return append(b, payload...)
}

func decodeLine(c *XORCipher, line string) (Entry, error) {
	plain, err := c.Open(line)
	if err != nil {
		return Entry{}, err
	}
	parts := strings.SplitN(string(plain), "|", 4)
	if len(parts) != 4 {
		return Entry{}, fmt.Errorf("%w: %d fields", ErrCorruptRecord, len(parts))
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: seq: %v", ErrCorruptRecord, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return Entry{}, fmt.Errorf("%w: timestamp: %v", ErrCorruptRecord, err)
	}
	if !json.Valid([]byte(parts[3])) {
		return Entry{}, fmt.Errorf("%w: payload is not JSON", ErrCorruptRecord)
	}
	return Entry{
		Seq:       seq,
		Timestamp: ts,
		Kind:      parts[2],
		Payload:   json.RawMessage(parts[3]),
	}, nil
}
