package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/persist"
)

func inspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "summarize the persisted snapshot",
		UsageText: "toolcache inspect [--config FILE | --file SNAPSHOT]",
		Flags: []cli.Flag{
			configFlag(),
			strictFlag(),
			&cli.StringFlag{
				Name:  "file",
				Usage: "read a file snapshot directly instead of the configured backend",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			w := cmd.Root().Writer

			backend, err := inspectBackend(ctx, cmd, w)
			if err != nil {
				return err
			}
			if c, ok := backend.(io.Closer); ok {
				defer c.Close()
			}

			records, err := backend.Load(ctx)
			if errors.Is(err, persist.ErrNoSnapshot) {
				fmt.Fprintln(w, "no snapshot")
				return nil
			}
			if err != nil {
				return err
			}

			summarize(w, records, time.Now())
			return nil
		},
	}
}

func inspectBackend(ctx context.Context, cmd *cli.Command, w io.Writer) (persist.Backend, error) {
	if path := cmd.String("file"); path != "" {
		return persist.NewFileBackend(path), nil
	}
	cfg, err := loadConfig(ctx, cmd, w)
	if err != nil {
		return nil, err
	}
	backend, err := persist.Open(ctx, cfg.Persistence.PersistConfig())
	if err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, persist.ErrUnsupportedBackend
	}
	return backend, nil
}

// snapshotSummary aggregates a snapshot for display.
type snapshotSummary struct {
	Records int
	Bytes   int64
	Fresh   int
	Expired int
	Corrupt int
	Oldest  time.Time
	Newest  time.Time
}

func summarizeRecords(records []cache.Record, now time.Time) snapshotSummary {
	var s snapshotSummary
	for _, r := range records {
		s.Records++
		s.Bytes += int64(len(r.Key) + len(r.Value))
		switch {
		case !r.Valid():
			s.Corrupt++
			continue
		case now.Sub(r.StoredAt) < r.TTL:
			s.Fresh++
		default:
			s.Expired++
		}
		if s.Oldest.IsZero() || r.StoredAt.Before(s.Oldest) {
			s.Oldest = r.StoredAt
		}
		if r.StoredAt.After(s.Newest) {
			s.Newest = r.StoredAt
		}
	}
	return s
}

func summarize(w io.Writer, records []cache.Record, now time.Time) {
	s := summarizeRecords(records, now)
	fmt.Fprintf(w, "records:  %s\n", humanize.Comma(int64(s.Records)))
	fmt.Fprintf(w, "size:     %s\n", humanize.IBytes(uint64(s.Bytes)))
	fmt.Fprintf(w, "fresh:    %s\n", humanize.Comma(int64(s.Fresh)))
	fmt.Fprintf(w, "expired:  %s\n", humanize.Comma(int64(s.Expired)))
	fmt.Fprintf(w, "corrupt:  %s\n", humanize.Comma(int64(s.Corrupt)))
	if !s.Oldest.IsZero() {
		fmt.Fprintf(w, "oldest:   %s\n", humanize.RelTime(s.Oldest, now, "ago", "from now"))
		fmt.Fprintf(w, "newest:   %s\n", humanize.RelTime(s.Newest, now, "ago", "from now"))
	}
}

func formatBytes(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(n))
}
