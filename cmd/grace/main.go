package main

import (
	"fmt"
	"io"
	"os"

	"github.com/aaron031291/grace/pkg/contracts"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "parliament":
		return runParliamentCmd(args[2:], stdout, stderr)
	case "log":
		return runLogCmd(args[2:], stdout, stderr)
	case "meta":
		return runMetaCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// exitCode maps the tagged error taxonomy onto process exit codes.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch contracts.KindOf(err) {
	case contracts.KindValidation:
		return 2
	case contracts.KindUnauthorized, contracts.KindPolicyDenied:
		return 3
	case contracts.KindNotFound:
		return 4
	case contracts.KindChainBroken:
		return 5
	default:
		return 1
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: grace <command> [options]

Commands:
  serve                     Run the core runtime
  parliament sessions       List voting sessions
  parliament session <id>   Show one session with its votes
  parliament vote <id>      Cast a vote in a session
  parliament stats          Show parliament statistics
  log verify                Verify the signed hash chain
  log tail                  Show the most recent ledger entries
  meta cycles               Show recent meta loop cycle decisions

Environment:
  GRACE_DB_PATH, GRACE_LOG_LEVEL, GRACE_REDIS_ADDR, GRACE_PROFILE,
  GRACE_PROFILES_DIR, GRACE_SIGNING_KEY (hex ed25519 seed)

Exit codes:
  0 success, 2 validation error, 3 authorization failure,
  4 not found, 5 chain broken
`)
}
