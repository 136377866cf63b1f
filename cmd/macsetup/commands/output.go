package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/macossetup/macossetup/pkg/engine"
)

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes a run report as text or, with --json, as JSON.
func printReport(w io.Writer, report *engine.SummaryReport) error {
	if jsonOutput {
		return printJSON(w, report)
	}
	return report.WriteText(w)
}

// reportExit turns a report with failures into an ExitError.
func reportExit(report *engine.SummaryReport) error {
	if code := report.ExitCode(); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// printDelta writes change records, one per line.
func printDelta(w io.Writer, delta *engine.Delta) error {
	if jsonOutput {
		return printJSON(w, delta)
	}
	if delta.Empty() {
		fmt.Fprintln(w, "No differences.")
		return nil
	}
	for _, rec := range delta.Records {
		fmt.Fprintln(w, rec)
	}
	return nil
}

// printPlanGraph writes the plan's action graph in DOT format.
func printPlanGraph(w io.Writer, plan *engine.Plan) error {
	if plan == nil {
		plan = &engine.Plan{}
	}
	b := engine.NewDAGBuilder()
	if _, err := b.BuildGraph(plan.Actions); err != nil {
		return fmt.Errorf("failed to build plan graph: %w", err)
	}
	_, err := io.WriteString(w, b.ToDOT())
	return err
}

// parseScope turns arguments such as "brew defaults" or "brew,npm" into a
// scope. No arguments or "all" target every kind.
func parseScope(args []string) (engine.Scope, error) {
	known := make(map[string]bool)
	for _, k := range engine.KnownKinds() {
		known[string(k)] = true
	}

	seen := make(map[engine.ResourceKind]bool)
	var kinds []engine.ResourceKind
	for _, arg := range args {
		for _, name := range strings.Split(arg, ",") {
			name = strings.ToLower(strings.TrimSpace(name))
			switch {
			case name == "":
				continue
			case name == "all":
				return engine.ScopeAll(), nil
			case !known[name]:
				return engine.Scope{}, fmt.Errorf("unknown resource %q (want one of %s)", name, kindList())
			}
			if kind := engine.ResourceKind(name); !seen[kind] {
				seen[kind] = true
				kinds = append(kinds, kind)
			}
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return engine.ScopeOf(kinds...), nil
}

func kindList() string {
	names := make([]string, 0, len(engine.KnownKinds()))
	for _, k := range engine.KnownKinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}
