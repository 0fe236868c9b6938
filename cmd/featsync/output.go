package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/trackflow/featsync/internal/feature"
	"github.com/trackflow/featsync/internal/queue"
	"github.com/trackflow/featsync/internal/ui"
	"gopkg.in/yaml.v3"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validFormat(f string) error {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return nil
	}
	return fmt.Errorf("unknown format %q (want table, json or yaml)", f)
}

// encode writes v as JSON or YAML.
func encode(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("format %q is not an encoding", format)
}

func writeFeature(w io.Writer, f feature.Feature) {
	fmt.Fprintf(w, "%s %s\n", ui.RenderBold(f.Name), ui.RenderMuted(f.ID))
	if f.Description != "" {
		fmt.Fprintf(w, "  %s\n", f.Description)
	}
	fmt.Fprintf(w, "  owner:   %s\n", f.CreatedBy)
	fmt.Fprintf(w, "  created: %s\n", f.CreatedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "  updated: %s\n", f.UpdatedAt.Local().Format(time.DateTime))
}

func writeFeatureRows(w io.Writer, features []feature.Feature) {
	if len(features) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no features"))
		return
	}
	fmt.Fprintf(w, "%-36s  %-32s  %s\n", "ID", "NAME", "UPDATED")
	for _, f := range features {
		fmt.Fprintf(w, "%-36s  %-32s  %s\n", f.ID, truncate(f.Name, 32), f.UpdatedAt.Local().Format(time.DateTime))
	}
}

func featureFields(features []feature.Feature) []map[string]any {
	out := make([]map[string]any, 0, len(features))
	for _, f := range features {
		out = append(out, f.ToFields())
	}
	return out
}

func writeOperationRows(w io.Writer, ops []queue.Operation) {
	if len(ops) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no operations"))
		return
	}
	fmt.Fprintf(w, "%-36s  %-7s  %-36s  %-7s  %-8s  %s\n", "ID", "KIND", "ENTITY", "STATUS", "ATTEMPTS", "ENQUEUED")
	for _, op := range ops {
		// Pad before styling so escape codes do not break alignment.
		status := ui.RenderStatus(string(op.Status)) + strings.Repeat(" ", max(0, 7-len(op.Status)))
		fmt.Fprintf(w, "%-36s  %-7s  %-36s  %s  %-8d  %s\n",
			op.ID, op.Kind, op.EntityID, status, op.AttemptCount, op.EnqueuedAt.Local().Format(time.DateTime))
		if op.LastError != "" {
			fmt.Fprintf(w, "  %s %s\n", ui.RenderWarn("last error:"), op.LastError)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
