package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/city-sentinel/internal/ledger"
)

func seqOf(entries []ledger.Entry, errs map[int]error) iter.Seq2[ledger.Entry, error] {
	return func(yield func(ledger.Entry, error) bool) {
		for i, e := range entries {
			if err, ok := errs[i]; ok {
				if !yield(ledger.Entry{}, err) {
					return
				}
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func sampleEntries() []ledger.Entry {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return []ledger.Entry{
		{Seq: 1, Timestamp: base, Kind: "auth_attempt", Payload: json.RawMessage(`{"outcome":"success"}`)},
		{Seq: 2, Timestamp: base.Add(time.Hour), Kind: "alert_delivered", Payload: json.RawMessage(`{"event":"alert_delivered"}`)},
		{Seq: 4, Timestamp: base.Add(2 * time.Hour), Kind: "auth_attempt", Payload: json.RawMessage(`{"outcome":"honeypot_triggered"}`)},
	}
}

func TestExport_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	sum, err := Export(context.Background(), seqOf(sampleEntries(), nil), ExportRequest{}, &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	var e ledger.Entry
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &e))
	assert.Equal(t, uint64(4), e.Seq)

	assert.Equal(t, int64(3), sum.Records)
	assert.Equal(t, []uint64{3}, sum.Gaps)
	assert.Equal(t, int64(2), sum.ByKind["auth_attempt"])
	assert.Equal(t, uint64(1), sum.FirstSeq)
	assert.Equal(t, uint64(4), sum.LastSeq)

	h := sha256.Sum256(buf.Bytes())
	assert.Equal(t, hex.EncodeToString(h[:]), sum.Checksum)
	assert.Equal(t, int64(buf.Len()), sum.Bytes)
}

func TestExport_CSVWithFilters(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	sum, err := Export(context.Background(), seqOf(sampleEntries(), nil), ExportRequest{
		Format: FormatCSV,
		Kinds:  []string{"auth_attempt"},
		Since:  base.Add(time.Minute),
	}, &buf)
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"seq", "timestamp", "kind", "payload"}, rows[0])
	assert.Equal(t, "4", rows[1][0])
	assert.Equal(t, `{"outcome":"honeypot_triggered"}`, rows[1][3])
	assert.Equal(t, int64(1), sum.Records)
	assert.Equal(t, int64(2), sum.Skipped)
}

func TestExport_CorruptRecords(t *testing.T) {
	entries := sampleEntries()
	errs := map[int]error{1: ledger.ErrCorruptRecord}

	sum, err := Export(context.Background(), seqOf(entries, errs), ExportRequest{}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Corrupt)
	assert.Equal(t, int64(2), sum.Records)

	_, err = Export(context.Background(), seqOf(entries, errs), ExportRequest{Strict: true}, &bytes.Buffer{})
	assert.True(t, errors.Is(err, ledger.ErrCorruptRecord))
}

func TestExport_UnknownFormat(t *testing.T) {
	_, err := Export(context.Background(), seqOf(nil, nil), ExportRequest{Format: "pdf"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnknownFormat)
}
