package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/aaron031291/grace/pkg/contracts"
)

func runMetaCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: grace meta <cycles>")
		return 2
	}
	switch args[0] {
	case "cycles":
		return runMetaCyclesCmd(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown meta subcommand %q\n", args[0])
		return 2
	}
}

// runMetaCyclesCmd reads decided cycles back out of the ledger, so it
// works against a stopped runtime.
func runMetaCyclesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("meta cycles", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		last   int
		asJSON bool
	)
	cmd.IntVar(&last, "last", 10, "Number of cycles to show")
	cmd.BoolVar(&asJSON, "json", false, "Emit JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	b, err := openBackend(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer b.Close()

	entries, err := b.ledger.Read(ctx, contracts.LedgerFilter{Action: "meta_loop.cycle_focus_decided"})
	if err != nil {
		return fail(stderr, err)
	}
	if last > 0 && len(entries) > last {
		entries = entries[len(entries)-last:]
	}
	if len(entries) == 0 {
		_, _ = fmt.Fprintln(stdout, "no cycles recorded")
		return 0
	}

	type cycle struct {
		CycleID    string  `json:"cycle_id"`
		FocusArea  string  `json:"focus_area"`
		Guardrail  string  `json:"guardrail"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
		DecidedAt  string  `json:"decided_at"`
	}
	cycles := make([]cycle, 0, len(entries))
	for _, e := range entries {
		var c cycle
		if err := json.Unmarshal([]byte(e.Payload), &c); err != nil {
			continue
		}
		c.DecidedAt = e.Timestamp.Format("2006-01-02T15:04:05Z")
		cycles = append(cycles, c)
	}

	if asJSON {
		return emitJSON(stdout, stderr, cycles)
	}
	for _, c := range cycles {
		_, _ = fmt.Fprintf(stdout, "%s  %-20s %-9s conf=%.2f  %s\n",
			c.DecidedAt, c.FocusArea, c.Guardrail, c.Confidence, c.Reasoning)
	}
	return 0
}
