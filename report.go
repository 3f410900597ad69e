package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/nvr-ai/go-detect/classes"
	"github.com/nvr-ai/go-detect/filter"
	"github.com/nvr-ai/go-detect/history"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderClasses(w io.Writer, set []classes.Config) {
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Threshold", "Enabled"})
	for _, c := range set {
		t.AppendRow(table.Row{c.ID, c.Name, fmt.Sprintf("%.2f", c.Threshold), c.Enabled})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
	})
	t.Render()
}

// renderStats prints one row per class, most frequent first, then the totals.
func renderStats(w io.Writer, s history.Stats) {
	names := make([]string, 0, len(s.PerClassCount))
	for name := range s.PerClassCount {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ci, cj := s.PerClassCount[names[i]], s.PerClassCount[names[j]]
		if ci != cj {
			return ci > cj
		}
		return names[i] < names[j]
	})

	t := newTable(w)
	t.AppendHeader(table.Row{"Class", "Count"})
	for _, name := range names {
		t.AppendRow(table.Row{name, s.PerClassCount[name]})
	}
	t.AppendFooter(table.Row{"Total", s.TotalCount})
	t.AppendFooter(table.Row{"Results", s.Results})
	t.AppendFooter(table.Row{"Avg confidence", fmt.Sprintf("%.3f", s.AverageConfidence)})
	t.Render()
}

func renderExport(w io.Writer, exportedAt time.Time, results []history.Result) {
	fmt.Fprintf(w, "exported %s, %d results\n", exportedAt.Format(time.RFC3339), len(results))

	t := newTable(w)
	t.AppendHeader(table.Row{"#", "Timestamp", "Detections", "Top"})
	for _, r := range results {
		top := "-"
		if len(r.Classifications) > 0 {
			best := filter.ByDisplayPriority(r.Classifications)[0]
			top = fmt.Sprintf("%s %.2f", best.ClassName, best.Confidence)
		}
		t.AppendRow(table.Row{
			r.Seq,
			r.Timestamp.Format(history.TimestampLayout),
			len(r.Classifications),
			top,
		})
	}
	t.Render()

	renderStats(w, history.ComputeStats(results))
}
