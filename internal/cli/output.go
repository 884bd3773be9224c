package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
)

// Format selects how records are printed.
type Format string

const (
	FormatAuto  Format = ""      // table on a terminal, NDJSON otherwise
	FormatTable Format = "table"
	FormatJSON  Format = "json" // one object per line
)

// Row is one printed record.
type Row struct {
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// isTerminal reports whether w is a terminal and, if so, its width.
func isTerminal(w io.Writer) (bool, int) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return false, 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		width = 0
	}
	return true, width
}

// PrintRows writes rows to out in the requested format.
func PrintRows(out io.Writer, rows []Row, format Format, loc *time.Location) error {
	width := 0
	if format == FormatAuto {
		tty, w := isTerminal(out)
		format, width = FormatJSON, w
		if tty {
			format = FormatTable
		}
	}
	if loc == nil {
		loc = time.Local
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(out)
		for _, r := range rows {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case FormatTable:
		tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tPAYLOAD")
		const timeLayout = "2006-01-02 15:04:05.000"
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\n", r.Time.In(loc).Format(timeLayout), clip(string(r.Payload), width-len(timeLayout)-2))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// clip shortens s to n runes with an ellipsis. n <= 0 leaves s alone.
func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
