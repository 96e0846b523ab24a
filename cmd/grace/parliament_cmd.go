package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/aaron031291/grace/pkg/contracts"
	"github.com/aaron031291/grace/pkg/parliament"
)

func runParliamentCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: grace parliament <sessions|session|vote|stats>")
		return 2
	}
	switch args[0] {
	case "sessions":
		return runSessionsCmd(args[1:], stdout, stderr)
	case "session":
		return runSessionCmd(args[1:], stdout, stderr)
	case "vote":
		return runVoteCmd(args[1:], stdout, stderr)
	case "stats":
		return runStatsCmd(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "unknown parliament subcommand %q\n", args[0])
		return 2
	}
}

func runSessionsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("parliament sessions", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		status    string
		committee string
		limit     int
		asJSON    bool
	)
	cmd.StringVar(&status, "status", "", "Filter by status (pending|voting|approved|rejected|expired|tie)")
	cmd.StringVar(&committee, "committee", "", "Filter by committee")
	cmd.IntVar(&limit, "limit", 50, "Maximum sessions to return")
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

	p, err := b.openParliament(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	sessions, err := p.ListSessions(ctx, parliament.SessionFilter{
		Status:    contracts.SessionStatus(status),
		Committee: committee,
		Limit:     limit,
	})
	if err != nil {
		return fail(stderr, err)
	}

	if asJSON {
		return emitJSON(stdout, stderr, sessions)
	}
	if len(sessions) == 0 {
		_, _ = fmt.Fprintln(stdout, "no sessions")
		return 0
	}
	for _, s := range sessions {
		_, _ = fmt.Fprintf(stdout, "%-40s %-9s %-18s approve=%d reject=%d abstain=%d  %s\n",
			s.SessionID, s.Status, s.Committee,
			s.Tallies.Approve, s.Tallies.Reject, s.Tallies.Abstain, s.PolicyName)
	}
	return 0
}

func runSessionCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: grace parliament session <session-id>")
		return 2
	}
	sessionID := args[0]

	ctx := context.Background()
	b, err := openBackend(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer b.Close()

	p, err := b.openParliament(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	sess, err := p.GetSession(ctx, sessionID)
	if err != nil {
		return fail(stderr, err)
	}
	votes, err := p.ListVotes(ctx, sessionID)
	if err != nil {
		return fail(stderr, err)
	}

	return emitJSON(stdout, stderr, map[string]any{"session": sess, "votes": votes})
}

func runVoteCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: grace parliament vote <session-id> --member <id> --approve|--reject|--abstain")
		return 2
	}
	sessionID := args[0]

	cmd := flag.NewFlagSet("parliament vote", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		member  string
		approve bool
		reject  bool
		abstain bool
		reason  string
		ticket  string
	)
	cmd.StringVar(&member, "member", "", "Voting member ID (REQUIRED)")
	cmd.BoolVar(&approve, "approve", false, "Vote approve")
	cmd.BoolVar(&reject, "reject", false, "Vote reject")
	cmd.BoolVar(&abstain, "abstain", false, "Vote abstain")
	cmd.StringVar(&reason, "reason", "", "Reason for the vote")
	cmd.StringVar(&ticket, "ticket", "", "Signed voting ticket")
	if err := cmd.Parse(args[1:]); err != nil {
		return 2
	}

	choice, err := voteChoice(approve, reject, abstain)
	if err != nil {
		return fail(stderr, err)
	}
	if member == "" {
		return fail(stderr, contracts.ErrValidation("--member is required"))
	}

	ctx := context.Background()
	b, err := openBackend(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer b.Close()

	p, err := b.openParliament(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	_, sess, err := p.CastVote(ctx, sessionID, member, choice, reason, false, nil, ticket)
	if err != nil {
		return fail(stderr, err)
	}

	_, _ = fmt.Fprintf(stdout, "vote recorded: session %s is now %s (approve=%d reject=%d abstain=%d)\n",
		sess.SessionID, sess.Status, sess.Tallies.Approve, sess.Tallies.Reject, sess.Tallies.Abstain)
	return 0
}

func runStatsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("parliament stats", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	asJSON := cmd.Bool("json", false, "Emit JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	b, err := openBackend(ctx, stderr)
	if err != nil {
		return fail(stderr, err)
	}
	defer b.Close()

	p, err := b.openParliament(ctx)
	if err != nil {
		return fail(stderr, err)
	}
	stats, err := p.GetStatistics(ctx)
	if err != nil {
		return fail(stderr, err)
	}

	if *asJSON {
		return emitJSON(stdout, stderr, stats)
	}
	_, _ = fmt.Fprintf(stdout, "sessions: %d  members: %d (%d active)\n",
		stats.TotalSessions, stats.TotalMembers, stats.ActiveMembers)
	for status, n := range stats.ByStatus {
		_, _ = fmt.Fprintf(stdout, "  %-9s %d\n", status, n)
	}
	return 0
}

func voteChoice(approve, reject, abstain bool) (contracts.VoteChoice, error) {
	set := 0
	for _, b := range []bool{approve, reject, abstain} {
		if b {
			set++
		}
	}
	if set != 1 {
		return "", contracts.ErrValidation("exactly one of --approve, --reject, --abstain is required")
	}
	switch {
	case approve:
		return contracts.VoteApprove, nil
	case reject:
		return contracts.VoteReject, nil
	default:
		return contracts.VoteAbstain, nil
	}
}

func emitJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail(stderr, err)
	}
	return 0
}

func fail(stderr io.Writer, err error) int {
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCode(err)
}
