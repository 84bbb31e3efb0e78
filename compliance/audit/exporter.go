// Package audit exports decrypted ledger records for compliance review.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

// ExportFormat represents the output format for audit exports
type ExportFormat string

const (
	FormatJSON ExportFormat = "json" // one JSON object per line
	FormatCSV  ExportFormat = "csv"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ExportRequest selects what to export. Zero values select everything.
type ExportRequest struct {
	Format ExportFormat
	Kinds  []string
	Since  time.Time
	Until  time.Time
	// Strict stops at the first unreadable record instead of counting it.
	Strict bool
}

// ExportSummary describes a finished export. Checksum is the SHA-256 of the
// bytes written.
type ExportSummary struct {
	Format   ExportFormat     `json:"format"`
	Records  int64            `json:"records"`
	Skipped  int64            `json:"skipped"`
	Corrupt  int64            `json:"corrupt"`
	FirstSeq uint64           `json:"first_seq,omitempty"`
	LastSeq  uint64           `json:"last_seq,omitempty"`
	Gaps     []uint64         `json:"gaps,omitempty"`
	ByKind   map[string]int64 `json:"by_kind"`
	Bytes    int64            `json:"bytes"`
	Checksum string           `json:"checksum"`
}

type countingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.h.Write(p[:n])
	c.n += int64(n)
	return n, err
}

// Export streams entries matching req to w. Sequence gaps among readable
// records are reported in the summary.
func Export(ctx context.Context, entries iter.Seq2[ledger.Entry, error], req ExportRequest, w io.Writer) (ExportSummary, error) {
	if req.Format == "" {
		req.Format = FormatJSON
	}
	cw := &countingWriter{w: w, h: sha256.New()}
	sum := ExportSummary{Format: req.Format, ByKind: make(map[string]int64)}

	var (
		write func(ledger.Entry) error
		flush = func() error { return nil }
	)
	switch req.Format {
	case FormatJSON:
		enc := json.NewEncoder(cw)
		write = func(e ledger.Entry) error { return enc.Encode(e) }
	case FormatCSV:
		cwr := csv.NewWriter(cw)
		if err := cwr.Write([]string{"seq", "timestamp", "kind", "payload"}); err != nil {
			return sum, err
		}
		write = func(e ledger.Entry) error {
			return cwr.Write([]string{
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				e.Kind,
				string(e.Payload),
			})
		}
		flush = func() error {
			cwr.Flush()
			return cwr.Error()
		}
	default:
		return sum, fmt.Errorf("%w: %q", ErrUnknownFormat, req.Format)
	}

	kinds := make(map[string]bool, len(req.Kinds))
	for _, k := range req.Kinds {
		kinds[k] = true
	}

	var prev uint64
	for e, err := range entries {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return sum, ctxErr
			}
			if req.Strict {
				return sum, err
			}
			sum.Corrupt++
			logger.Warn("Audit export: skipping unreadable record: %v", err)
			continue
		}
		if prev != 0 && e.Seq > prev+1 {
			for s := prev + 1; s < e.Seq; s++ {
				sum.Gaps = append(sum.Gaps, s)
			}
		}
		if e.Seq > prev {
			prev = e.Seq
		}

		if (len(kinds) > 0 && !kinds[e.Kind]) ||
			(!req.Since.IsZero() && e.Timestamp.Before(req.Since)) ||
			(!req.Until.IsZero() && !e.Timestamp.Before(req.Until)) {
			sum.Skipped++
			continue
		}
		if err := write(e); err != nil {
			return sum, fmt.Errorf("audit export: write: %w", err)
		}
		if sum.FirstSeq == 0 {
			sum.FirstSeq = e.Seq
		}
		sum.LastSeq = e.Seq
		sum.Records++
		sum.ByKind[e.Kind]++
	}
	if err := flush(); err != nil {
		return sum, fmt.Errorf("audit export: flush: %w", err)
	}

	sum.Bytes = cw.n
	sum.Checksum = hex.EncodeToString(cw.h.Sum(nil))
	return sum, nil
}
