package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ComUnity/city-sentinel/internal/ledger"
)

type note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

func (n note) LedgerKind() string    { return "note" }
func (n note) LedgerTime() time.Time { return n.At }

func writeLedger(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.dat")
	l, err := ledger.Open(ledger.Config{Path: path, Key: "k", HMACKey: "m"})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := l.Append(note{At: time.Now(), Text: strings.Repeat("x", i+1)})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())
	return path
}

func TestRun_Verify(t *testing.T) {
	path := writeLedger(t, 3)
	var out bytes.Buffer
	require.NoError(t, run([]string{"-path", path, "-key", "k", "-hmac-key", "m", "verify"}, &out))
	assert.Contains(t, out.String(), `"records": 3`)

	err := run([]string{"-path", path, "-key", "k", "-hmac-key", "wrong", "verify"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRun_Tail(t *testing.T) {
	path := writeLedger(t, 5)
	var out bytes.Buffer
	require.NoError(t, run([]string{"-path", path, "-key", "k", "-hmac-key", "m", "tail", "-n", "2"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "4  ")
	assert.Contains(t, lines[1], "xxxxx")
}

func TestRun_ExportCSV(t *testing.T) {
	path := writeLedger(t, 2)
	outFile := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, run([]string{"-path", path, "-key", "k", "-hmac-key", "m", "export", "-format", "csv", "-out", outFile}, &bytes.Buffer{}))
	assert.FileExists(t, outFile)
}

func TestRun_BadCommand(t *testing.T) {
	assert.Error(t, run(nil, &bytes.Buffer{}))
	assert.Error(t, run([]string{"-path", "x", "frobnicate"}, &bytes.Buffer{}))
}
