package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "keel - deterministic orchestration kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  keel worker              Run the executor: outbox dispatch + lease-guarded reconcile")
	fmt.Fprintln(w, "  keel replay              Reconstruct the timeline for one correlation id")
	fmt.Fprintln(w, "  keel verify              Verify audit hash chain and projection integrity")
	fmt.Fprintln(w, "  keel policy              Compile, store and activate policy snapshots")
	fmt.Fprintln(w, "  keel doctor              Check store connectivity and configuration")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintln(w, "  KEEL_DATABASE_URL        postgres:// URL or SQLite path (default keel.db)")
	fmt.Fprintln(w, "  KEEL_REDIS_URL           optional Redis endpoint for the shared dispatch limiter")
	fmt.Fprintln(w, "  KEEL_POLICY_DIR          directory of policy YAML sources (default policies)")
	fmt.Fprintln(w, "  KEEL_IDENTITY_KEY        HMAC key for verifying source tokens")
}
