package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

const historyDataWidth = 60

func runHistory(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, g := newFlagSet("history", stderr)
	limit := fs.IntP("limit", "n", 20, "Number of commands to show")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *limit <= 0 {
		fmt.Fprintln(stderr, "history error: --limit must be > 0")
		return 2
	}
	e, err := g.load(ctx, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "history config error:", err)
		return 2
	}
	defer e.Close()

	entries, err := e.store.RecentCommands(ctx, *limit)
	if err != nil {
		fmt.Fprintln(stderr, "history error:", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no commands received yet")
		return 0
	}
	fmt.Fprintf(stdout, "%-20s  %-36s  %-16s  %-11s  %s\n", "RECEIVED", "UID", "ACTION", "STATUS", "DATA")
	for _, en := range entries {
		status := string(en.Status)
		if status == "" {
			status = "-"
		}
		fmt.Fprintf(stdout, "%-20s  %-36s  %-16s  %-11s  %s\n",
			en.ReceivedAt.Local().Format(time.DateTime), en.UID, en.Action, status, oneLine(en.Data, historyDataWidth))
	}
	return 0
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-3]) + "..."
}
