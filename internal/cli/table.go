package cli

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/meshstor/meshstor/internal/services"
)

func printTable(w io.Writer, title string, header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	if title != "" {
		t.SetTitle(title)
	}
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}

// printResult prints an operation outcome and its warnings
func printResult(w io.Writer, res *services.Result) {
	rows := []table.Row{{"Message", res.Message}}
	for _, warning := range res.Warnings {
		rows = append(rows, table.Row{"Warning", warning})
	}
	for _, s := range res.Skipped {
		rows = append(rows, table.Row{"Skipped", s.PCIeAddress + ": " + s.Reason})
	}
	printTable(w, "", table.Row{"Result", ""}, rows)
}
