package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/skane-air/aqcast/internal/pipeline"
)

// printStepResult writes a short human summary of a finished step.
func printStepResult(out io.Writer, res *pipeline.StepResult) {
	if res == nil {
		return
	}
	_, _ = fmt.Fprintf(out, "%s %s: %d rows (run %s)\n", res.Command, res.Status, res.Rows, res.RunID)

	keys := make([]string, 0, len(res.Metadata))
	for k := range res.Metadata {
		if k == "skipped" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(out, "  %s: %v\n", k, res.Metadata[k])
	}
	for _, s := range res.Skips {
		_, _ = fmt.Fprintf(out, "  skipped %s\n", s)
	}
}
