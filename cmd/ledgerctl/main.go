// Command ledgerctl reads the encrypted security ledger.
//
//	ledgerctl [-config file] [-path p] [-key k] [-hmac-key m] verify
//	ledgerctl ... export [-format json|csv] [-kind k,...] [-since t] [-until t] [-out file]
//	ledgerctl ... tail [-n 20]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ComUnity/city-sentinel/compliance/audit"
	"github.com/ComUnity/city-sentinel/internal/config"
	"github.com/ComUnity/city-sentinel/internal/ledger"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

type source struct {
	path   string
	cipher *ledger.XORCipher
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CONFIG_PATH"), "config file (optional)")
	path := fs.String("path", "", "ledger file, overrides config")
	key := fs.String("key", "", "ledger key, overrides config")
	macKey := fs.String("hmac-key", "", "ledger HMAC key, overrides config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("missing command: verify, export or tail")
	}

	logger.InitLogger(&logger.Config{Level: "warn", Encoding: "console", Output: "stderr"})
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, *configPath, *path, *key, *macKey)
	if err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "verify":
		return verify(ctx, src, stdout)
	case "export":
		return export(ctx, src, rest, stdout)
	case "tail":
		return tail(ctx, src, rest, stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openSource(ctx context.Context, configPath, path, key, macKey string) (source, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return source{}, err
	}
	if config.HasSecretRefs(cfg) {
		r, err := config.NewAWSSecretResolver(ctx)
		if err != nil {
			return source{}, err
		}
		if err := r.ResolveConfig(ctx, cfg); err != nil {
			return source{}, err
		}
	}
	if path == "" {
		path = cfg.Ledger.Path
	}
	if key == "" {
		key = cfg.Ledger.Key
	}
	if key == "" && !cfg.IsProduction() {
		key = ledger.DevelopmentKey
	}
	if macKey == "" {
		macKey = cfg.Ledger.HMACKey
	}
	c, err := ledger.NewXORCipher(key, macKey)
	if err != nil {
		return source{}, err
	}
	return source{path: path, cipher: c}, nil
}

func verify(ctx context.Context, src source, stdout io.Writer) error {
	sum, err := audit.Export(ctx, ledger.ReadFile(ctx, src.path, src.cipher), audit.ExportRequest{}, io.Discard)
	if err != nil {
		return err
	}
	sum.Bytes, sum.Checksum = 0, ""
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sum); err != nil {
		return err
	}
	if sum.Corrupt > 0 || len(sum.Gaps) > 0 {
		return fmt.Errorf("%s: %d unreadable records, %d missing sequence numbers", src.path, sum.Corrupt, len(sum.Gaps))
	}
	return nil
}

func export(ctx context.Context, src source, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", string(audit.FormatJSON), "json or csv")
	kinds := fs.String("kind", "", "comma separated record kinds")
	since := fs.String("since", "", "RFC3339 lower bound (inclusive)")
	until := fs.String("until", "", "RFC3339 upper bound (exclusive)")
	out := fs.String("out", "", "output file, default stdout")
	strict := fs.Bool("strict", false, "fail on the first unreadable record")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := audit.ExportRequest{Format: audit.ExportFormat(*format), Strict: *strict}
	if *kinds != "" {
		for _, k := range strings.Split(*kinds, ",") {
			if k = strings.TrimSpace(k); k != "" {
				req.Kinds = append(req.Kinds, k)
			}
		}
	}
	var err error
	if req.Since, err = parseTime(*since); err != nil {
		return err
	}
	if req.Until, err = parseTime(*until); err != nil {
		return err
	}

	w := stdout
	if *out != "" {
		f, err := os.OpenFile(*out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	sum, err := audit.Export(ctx, ledger.ReadFile(ctx, src.path, src.cipher), req, w)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "exported %d records (%d skipped, %d unreadable) sha256=%s\n",
		sum.Records, sum.Skipped, sum.Corrupt, sum.Checksum)
	return nil
}

func tail(ctx context.Context, src source, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	n := fs.Int("n", 20, "number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *n <= 0 {
		return nil
	}

	ring := make([]ledger.Entry, 0, *n)
	for e, err := range ledger.ReadFile(ctx, src.path, src.cipher) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("skipping unreadable record: %v", err)
			continue
		}
		if len(ring) == *n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, e)
	}
	for _, e := range ring {
		fmt.Fprintf(stdout, "%6d  %s  %-22s %s\n", e.Seq, e.Timestamp.UTC().Format(time.RFC3339), e.Kind, e.Payload)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return t, nil
}
