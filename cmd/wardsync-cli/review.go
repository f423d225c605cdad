package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caretrack/wardsync/internal/causal"
)

func runReview(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli review <subcommand>

Subcommands:
  list [--all]    List open review entries (--all includes resolved)
  show <id>       Show both sides of a conflict
  resolve <id>    Mark a review entry as handled`)
		os.Exit(1)
	}

	requireCreds()

	switch args[0] {
	case "list", "ls":
		reviewList(len(args) > 1 && args[1] == "--all")
	case "show", "get":
		if len(args) < 2 {
			fatal("review show requires an entry id")
		}
		reviewShow(args[1])
	case "resolve":
		if len(args) < 2 {
			fatal("review resolve requires an entry id")
		}
		apiJSON("POST", "/review/"+args[1]+"/resolve", nil, nil)
		fmt.Printf("Review entry %s resolved.\n", args[1])
	default:
		fatal("unknown review subcommand: " + args[0])
	}
}

func reviewList(includeResolved bool) {
	path := "/review"
	if includeResolved {
		path += "?all=true"
	}

	var entries []causal.ReviewEntry
	apiJSON("GET", path, nil, &entries)

	if len(entries) == 0 {
		fmt.Println("No review entries.")
		return
	}

	var rows [][]string
	for _, e := range entries {
		resolved := "-"
		if e.ResolvedAt != 0 {
			resolved = fmt.Sprintf("%s by %s", formatUnixNanos(e.ResolvedAt), e.ResolvedBy)
		}
		rows = append(rows, []string{
			strconv.FormatUint(e.ID, 10),
			e.RecordType + "/" + e.RecordID,
			strings.Join(e.Fields, ","),
			formatUnixNanos(e.CreatedAt),
			resolved,
		})
	}
	printTable([]string{"ID", "RECORD", "FIELDS", "OPENED", "RESOLVED"}, rows)
}

func reviewShow(id string) {
	var e causal.ReviewEntry
	apiJSON("GET", "/review/"+id, nil, &e)

	fmt.Printf("Review:  #%d\n", e.ID)
	fmt.Printf("Record:  %s/%s\n", e.RecordType, e.RecordID)
	fmt.Printf("Opened:  %s\n", formatUnixNanos(e.CreatedAt))
	if e.ResolvedAt != 0 {
		fmt.Printf("Resolved: %s by %s\n", formatUnixNanos(e.ResolvedAt), e.ResolvedBy)
	}
	fmt.Println()

	// Per conflicted field: what this node had, what the remote wrote, and
	// which side the merge kept.
	var rows [][]string
	for _, name := range e.Fields {
		local := "-"
		if f, ok := e.Local.Fields[name]; ok {
			local = fmt.Sprintf("%s (%s)", fieldValueString(f.Value), f.Stamp.Node)
		}
		remote := "-"
		if f, ok := e.Remote.Deltas[name]; ok {
			remote = fmt.Sprintf("%s (%s)", fieldValueString(f.Value), e.Remote.Origin)
		}
		kept := "-"
		if f, ok := e.Merged.Fields[name]; ok {
			kept = fmt.Sprintf("%s (%s)", fieldValueString(f.Value), f.Stamp.Node)
		}
		rows = append(rows, []string{name, local, remote, kept})
	}
	printTable([]string{"FIELD", "LOCAL", "REMOTE", "KEPT"}, rows)
}
