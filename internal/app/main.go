package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "gc":
		return gcCmd(args[2:])
	case "pools":
		return poolsCmd(args[2:])
	case "config":
		return configCmd(args[2:])
	case "health":
		return healthCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "claimq")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  claimq run [--pid-file ./claimq.pid] [--watch] [--log-level info] [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq gc [--threshold N] [--timeout 1m] [--json] [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq pools apply --file ./pools.json [--prune] [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq pools list [--detailed] [--json] [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq config validate [--format json|text] [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq config show [--dotenv ./.env]")
	fmt.Fprintln(w, "  claimq health [--addr 127.0.0.1:9090] [--service claimq.v1.Storage] [--json]")
	fmt.Fprintln(w, "  claimq version [--long] [--json]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Settings are read from CLAIMQ_* environment variables.")
}
