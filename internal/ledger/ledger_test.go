package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	At      time.Time `json:"at"`
	Name    string    `json:"name"`
	Details string    `json:"details"`
}

func (e testEvent) LedgerKind() string    { return "test_event" }
func (e testEvent) LedgerTime() time.Time { return e.At }

func openTestLedger(t *testing.T, hmacKey string) *Ledger {
	t.Helper()
	l, err := Open(Config{
		Path:    filepath.Join(t.TempDir(), "audit", "ledger.dat"),
		Key:     DevelopmentKey,
		HMACKey: hmacKey,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func collect(t *testing.T, l *Ledger) []Entry {
	t.Helper()
	var out []Entry
	for e, err := range l.ReadAll(context.Background()) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestCipher_RoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"a",
		"1|2025-01-01T00:00:00Z|auth_attempt|{}",
		strings.Repeat("pipe|and:colon ", 40),
		"unicode: çğış 🚨",
		string([]byte{0, 1, 2, 255, 254}),
	}
	for _, mac := range []string{"", "tag-key"} {
		c, err := NewXORCipher("k3y", mac)
		require.NoError(t, err)
		for _, in := range inputs {
			line := c.Seal([]byte(in))
			assert.NotContains(t, line, "\n")
			out, err := c.Open(line)
			require.NoError(t, err)
			assert.Equal(t, []byte(in), out, "mac=%q input=%q", mac, in)
		}
	}
}

// The cipher is an obfuscation layer. One known plaintext is enough to
// recover the key, which this test demonstrates on purpose.
func TestCipher_IsNotConfidential(t *testing.T) {
	c, err := NewXORCipher(DevelopmentKey, "")
	require.NoError(t, err)

	known := []byte(strings.Repeat("A", len(DevelopmentKey)))
	raw, err := base64.StdEncoding.DecodeString(c.Seal(known))
	require.NoError(t, err)

	recovered := make([]byte, len(raw))
	for i := range raw {
		recovered[i] = raw[i] ^ known[i]
	}
	assert.Equal(t, DevelopmentKey, string(recovered))
}

func TestCipher_TagMismatch(t *testing.T) {
	c, err := NewXORCipher("key", "mac")
	require.NoError(t, err)
	line := c.Seal([]byte("hello"))

	other, err := NewXORCipher("key", "other-mac")
	require.NoError(t, err)
	_, err = other.Open(line)
	assert.ErrorIs(t, err, ErrIntegrity)

	body, _, _ := strings.Cut(line, tagSeparator)
	_, err = c.Open(body)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestNewXORCipher_EmptyKey(t *testing.T) {
	_, err := NewXORCipher("", "")
	assert.Error(t, err)
}

func TestLedger_AppendAndReadAll(t *testing.T) {
	l := openTestLedger(t, "")
	at := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)

	events := []testEvent{
		{At: at, Name: "first", Details: "plain"},
		{At: at.Add(time.Second), Name: "second", Details: "with | pipes | inside"},
		{At: at.Add(2 * time.Second), Name: "third", Details: "line\nbreak"},
	}
	for i, ev := range events {
		seq, err := l.Append(ev)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
	}

	entries := collect(t, l)
	require.Len(t, entries, len(events))
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, "test_event", e.Kind)
		assert.True(t, events[i].At.Equal(e.Timestamp))

		var got testEvent
		require.NoError(t, e.Decode(&got))
		assert.Equal(t, events[i].Name, got.Name)
		assert.Equal(t, events[i].Details, got.Details)
		assert.True(t, events[i].At.Equal(got.At))
	}

	// restartable
	assert.Len(t, collect(t, l), len(events))
}

func TestLedger_FileIsNotPlaintext(t *testing.T) {
	l := openTestLedger(t, "")
	_, err := l.Append(testEvent{At: time.Now(), Name: "secret-principal"})
	require.NoError(t, err)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "secret-principal")
	assert.Equal(t, 1, strings.Count(string(raw), "\n"))
}

func TestLedger_SequenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.dat")
	cfg := Config{Path: path, Key: "k", HMACKey: "m"}

	l, err := Open(cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(testEvent{At: time.Now(), Name: fmt.Sprint(i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	l2, err := Open(cfg)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(3), l2.Seq())

	seq, err := l2.Append(testEvent{At: time.Now(), Name: "after"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestLedger_ConcurrentAppendIsGapFree(t *testing.T) {
	for _, writers := range []int{1, 4, 16} {
		t.Run(fmt.Sprintf("writers=%d", writers), func(t *testing.T) {
			l := openTestLedger(t, "mac")
			const perWriter = 50

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				seqs []uint64
			)
			for w := 0; w < writers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < perWriter; i++ {
						seq, err := l.Append(testEvent{At: time.Now(), Name: fmt.Sprintf("%d-%d", w, i)})
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						seqs = append(seqs, seq)
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			total := writers * perWriter
			require.Len(t, seqs, total)
			sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
			for i, s := range seqs {
				assert.Equal(t, uint64(i+1), s)
			}

			entries := collect(t, l)
			require.Len(t, entries, total)
			for i, e := range entries {
				assert.Equal(t, uint64(i+1), e.Seq, "file order must follow sequence order")
			}
		})
	}
}

func TestLedger_WriteFailureIsSurfaced(t *testing.T) {
	l := openTestLedger(t, "")
	_, err := l.Append(testEvent{At: time.Now(), Name: "ok"})
	require.NoError(t, err)

	// simulate the disk going away under the writer
	require.NoError(t, l.file.Close())

	_, err = l.Append(testEvent{At: time.Now(), Name: "lost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLedgerWrite))
	assert.Equal(t, uint64(1), l.Seq(), "a failed write must not consume a sequence number")
}

// shortFile writes only the first n bytes of the next Write, then fails.
type shortFile struct {
	appendFile
	n           int
	truncateErr error
}

func (s *shortFile) Write(p []byte) (int, error) {
	written, err := s.appendFile.Write(p[:s.n])
	if err != nil {
		return written, err
	}
	return written, errors.New("no space left on device")
}

func (s *shortFile) Truncate(size int64) error {
	if s.truncateErr != nil {
		return s.truncateErr
	}
	return s.appendFile.Truncate(size)
}

func TestLedger_PartialWriteIsRolledBack(t *testing.T) {
	l := openTestLedger(t, "mac")
	_, err := l.Append(testEvent{At: time.Now(), Name: "before"})
	require.NoError(t, err)

	orig := l.file
	l.file = &shortFile{appendFile: orig, n: 7}
	_, err = l.Append(testEvent{At: time.Now(), Name: "torn"})
	require.ErrorIs(t, err, ErrLedgerWrite)
	l.file = orig

	seq, err := l.Append(testEvent{At: time.Now(), Name: "after"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	entries := collect(t, l)
	require.Len(t, entries, 2)
	var names []string
	for _, e := range entries {
		var ev testEvent
		require.NoError(t, e.Decode(&ev))
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{"before", "after"}, names)

	// the recovered sequence matches what was handed out
	require.NoError(t, l.Close())
	l2, err := Open(l.cfg)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, uint64(2), l2.Seq())
}

func TestLedger_FailedRollbackStopsWrites(t *testing.T) {
	l := openTestLedger(t, "")
	orig := l.file
	l.file = &shortFile{appendFile: orig, n: 3, truncateErr: errors.New("read-only file system")}
	_, err := l.Append(testEvent{At: time.Now(), Name: "torn"})
	require.ErrorIs(t, err, ErrLedgerWrite)
	l.file = orig

	_, err = l.Append(testEvent{At: time.Now(), Name: "next"})
	assert.ErrorIs(t, err, ErrLedgerWrite)
	assert.ErrorIs(t, err, ErrFailed)
	assert.Zero(t, l.Seq())
}

func TestLedger_AppendAfterClose(t *testing.T) {
	l := openTestLedger(t, "")
	require.NoError(t, l.Close())
	_, err := l.Append(testEvent{At: time.Now()})
	assert.ErrorIs(t, err, ErrLedgerWrite)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLedger_CorruptLineIsReportedAndSkipped(t *testing.T) {
	l := openTestLedger(t, "")
	_, err := l.Append(testEvent{At: time.Now(), Name: "a"})
	require.NoError(t, err)

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("%%%not-base64%%%\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = l.Append(testEvent{At: time.Now(), Name: "b"})
	require.NoError(t, err)

	var good, bad int
	for _, err := range l.ReadAll(context.Background()) {
		if err != nil {
			assert.ErrorIs(t, err, ErrCorruptRecord)
			bad++
			continue
		}
		good++
	}
	assert.Equal(t, 2, good)
	assert.Equal(t, 1, bad)
}

func TestReadFile_MissingFileIsEmpty(t *testing.T) {
	c, err := NewXORCipher("k", "")
	require.NoError(t, err)
	n := 0
	for range ReadFile(context.Background(), filepath.Join(t.TempDir(), "none.dat"), c) {
		n++
	}
	assert.Zero(t, n)
}
