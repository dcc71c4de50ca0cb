package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/marmos91/parfs/pkg/client"
)

var (
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	infoColor    = color.New(color.FgCyan)
	dirColor     = color.New(color.FgBlue, color.Bold)
)

// progressInterval throttles progress redraws.
const progressInterval = 100 * time.Millisecond

func newTable(w io.Writer, header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Header(header...)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Header = tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		}
		cfg.Row = tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		}
	})
	return table
}

func renderHelp(w io.Writer) error {
	table := newTable(w, "Command", "Usage", "Description")
	for _, c := range commands {
		name := c.Name
		if len(c.Aliases) > 0 {
			name += ", " + strings.Join(c.Aliases, ", ")
		}
		if err := table.Append([]string{name, c.Usage(), c.Description}); err != nil {
			return err
		}
	}
	return table.Render()
}

func renderStatus(w io.Writer, st client.Status) error {
	table := newTable(w, "Field", "Value")

	state := "disconnected"
	if st.Connected {
		state = "connected"
	}
	rows := [][]string{
		{"State", state},
		{"Server", orDash(st.Address)},
		{"Session", orDash(st.SessionAddr)},
		{"Directory", orDash(st.Cwd)},
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}

// renderListing prints one entry per line, directories highlighted.
func renderListing(w io.Writer, listing string) {
	for _, name := range splitListing(listing) {
		if strings.HasSuffix(name, "/") {
			dirColor.Fprintln(w, name)
			continue
		}
		fmt.Fprintln(w, name)
	}
}

func splitListing(listing string) []string {
	if listing == "" {
		return nil
	}
	return strings.Split(listing, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// progress redraws a single transfer status line.
type progress struct {
	w     io.Writer
	label string
	last  time.Time
}

func newProgress(w io.Writer, label string) *progress {
	return &progress{w: w, label: label}
}

func (p *progress) update(done, total uint64) {
	if done < total && time.Since(p.last) < progressInterval {
		return
	}
	p.last = time.Now()

	pct := 100.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	fmt.Fprintf(p.w, "\r%s: %s/%s --- %6.2f%%   ", p.label, humanize.IBytes(done), humanize.IBytes(total), pct)
	if done == total {
		fmt.Fprintln(p.w)
	}
}
