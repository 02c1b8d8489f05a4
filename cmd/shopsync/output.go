package main

import (
	"encoding/json"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	offlinesync "github.com/shopsmart/shopsync/internal/sync"
)

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable byte size.
func formatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// colorOperation colors a queued operation by its effect.
func colorOperation(op offlinesync.Operation) string {
	switch op {
	case offlinesync.OperationCreate:
		return green(string(op))
	case offlinesync.OperationUpdate:
		return yellow(string(op))
	case offlinesync.OperationDelete:
		return red(string(op))
	}
	return string(op)
}

// colorStatus colors a pass/fail word.
func colorStatus(ok bool, word string) string {
	if ok {
		return green(word)
	}
	return red(word)
}
