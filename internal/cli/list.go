package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ehrlich-b/objlog/internal/catalog"
)

// List prints per-log counters, or the segments of one log when name is set.
func List(ctx context.Context, env *Env, name string, out io.Writer) error {
	if env.Catalog == nil {
		return errors.New("no catalog configured; set catalog in the config file")
	}
	if name != "" {
		return listSegments(ctx, env.Catalog, name, out)
	}

	names, err := env.Catalog.Logs(ctx)
	if err != nil {
		return fmt.Errorf("list logs: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOG\tSEGMENTS\tWRITTEN\tDROPPED\tSKIPPED")
	for _, n := range names {
		st, err := env.Catalog.Stats(ctx, n)
		if errors.Is(err, catalog.ErrNotFound) {
			st = &catalog.Stats{Log: n}
		} else if err != nil {
			return fmt.Errorf("stats for %s: %w", n, err)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", n, st.Segments, st.Written, st.Dropped, st.Skipped)
	}
	return tw.Flush()
}

func listSegments(ctx context.Context, cat *catalog.Catalog, name string, out io.Writer) error {
	segs, err := cat.ListSegments(ctx, name, time.Time{}, time.Time{})
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OPENED\tRECORDS\tARCHIVED\tPATH")
	for _, s := range segs {
		archived := "-"
		if s.ArchivedAt != nil {
			archived = s.ArchiveKey
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.OpenedAt.Format(time.RFC3339), s.Records, archived, s.Path)
	}
	return tw.Flush()
}
