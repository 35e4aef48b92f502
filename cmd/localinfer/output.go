package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"localinfer/pkg/types"
)

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetAutoWrapText(false)
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetNoWhiteSpace(true)
	t.SetTablePadding("    ")
	return t
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// progressPrinter renders download progress: one rewritten line per file
// on a terminal, one line per finished file otherwise.
type progressPrinter struct {
	w    io.Writer
	tty  bool
	file string
	pct  int
	done map[string]bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, tty: isTerminal(w), pct: -1, done: map[string]bool{}}
}

func (p *progressPrinter) update(d types.DownloadProgress) {
	pct := 0
	if d.TotalBytes > 0 {
		pct = int(d.DownloadedBytes * 100 / d.TotalBytes)
	}
	finished := d.TotalBytes > 0 && d.DownloadedBytes >= d.TotalBytes
	if !p.tty {
		if finished && !p.done[d.FileName] {
			p.done[d.FileName] = true
			fmt.Fprintf(p.w, "fetched %s (%s)\n", d.FileName, formatBytes(d.TotalBytes))
		}
		return
	}
	if d.FileName == p.file && pct == p.pct {
		return
	}
	if d.FileName != p.file && p.file != "" {
		fmt.Fprintln(p.w)
	}
	name := d.FileName
	if len(name) > 40 {
		name = "…" + name[len(name)-39:]
	}
	fmt.Fprintf(p.w, "\r%-40s %10s / %-10s %3d%%", name, formatBytes(d.DownloadedBytes), formatBytes(d.TotalBytes), pct)
	p.file, p.pct = d.FileName, pct
}

func (p *progressPrinter) finish() {
	if p.tty && p.file != "" {
		fmt.Fprintln(p.w)
		p.file = ""
	}
}
