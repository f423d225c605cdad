package main

import (
	"fmt"
	"os"
)

var version = "dev"

var (
	endpoint string
	username string
	password string
	token    string
)

func init() {
	endpoint = envOrDefault("WARDSYNC_ENDPOINT", "http://localhost:7420")
	username = envOrDefault("WARDSYNC_USER", "")
	password = envOrDefault("WARDSYNC_PASSWORD", "")
	token = envOrDefault("WARDSYNC_TOKEN", "")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Parse global flags before subcommand
	args := os.Args[1:]
	for len(args) > 0 && len(args[0]) > 0 && args[0][0] == '-' {
		switch args[0] {
		case "--endpoint":
			if len(args) < 2 {
				fatal("--endpoint requires a value")
			}
			endpoint = args[1]
			args = args[2:]
		case "--user":
			if len(args) < 2 {
				fatal("--user requires a value")
			}
			username = args[1]
			args = args[2:]
		case "--password":
			if len(args) < 2 {
				fatal("--password requires a value")
			}
			password = args[1]
			args = args[2:]
		case "--token":
			if len(args) < 2 {
				fatal("--token requires a value")
			}
			token = args[1]
			args = args[2:]
		case "--version", "-v":
			fmt.Printf("wardsync-cli %s\n", version)
			os.Exit(0)
		case "--help", "-h":
			printUsage()
			os.Exit(0)
		default:
			fatal("unknown flag: " + args[0])
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "record":
		runRecord(cmdArgs)
	case "board":
		runBoard(cmdArgs)
	case "search":
		runSearch(cmdArgs)
	case "review":
		runReview(cmdArgs)
	case "peer":
		runPeer(cmdArgs)
	case "device":
		runDevice(cmdArgs)
	case "backup":
		runBackup(cmdArgs)
	case "stats":
		runStats(cmdArgs)
	case "version":
		fmt.Printf("wardsync-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: wardsync-cli [flags] <command> <subcommand> [args]

Global Flags:
  --endpoint <url>     wardsync node (default: $WARDSYNC_ENDPOINT or http://localhost:7420)
  --user <name>        Staff username (default: $WARDSYNC_USER)
  --password <pass>    Staff password (default: $WARDSYNC_PASSWORD)
  --token <jwt>        Pre-issued token, skips login (default: $WARDSYNC_TOKEN)
  --version, -v        Show version

Commands:
  record               Task and handover operations (list, get, set, assign, delete, restore)
  board <type>         Show records of a type grouped by status
  search <query>       Full-text search (supports status: assignee: ref: prefixes)
  review               Merge review operations (list, show, resolve)
  peer                 Peer sync operations (list, sync)
  device               Device registration (list, register, revoke, rm)
  backup               Backups (list, run, restore)
  stats                Show node statistics
  version              Show version
  help                 Show this help`)
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}

func requireCreds() {
	if token != "" {
		return
	}
	if username == "" || password == "" {
		fatal("credentials required. Set WARDSYNC_USER/WARDSYNC_PASSWORD, WARDSYNC_TOKEN, or use --user/--password")
	}
}
