package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/caretrack/wardsync/internal/engine"
)

func runPeer(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli peer <subcommand>

Subcommands:
  list            Show sync session state for every configured peer
  sync <name>     Run one sync round against a peer right now`)
		os.Exit(1)
	}

	requireCreds()

	switch args[0] {
	case "list", "ls", "status":
		peerList()
	case "sync":
		if len(args) < 2 {
			fatal("peer sync requires a peer name")
		}
		apiJSON("POST", "/peers/"+url.PathEscape(args[1])+"/sync", nil, nil)
		fmt.Printf("Sync round with %s completed.\n", args[1])
	default:
		fatal("unknown peer subcommand: " + args[0])
	}
}

func peerList() {
	var sessions []engine.SessionStatus
	apiJSON("GET", "/peers", nil, &sessions)

	if len(sessions) == 0 {
		fmt.Println("No sync peers configured.")
		return
	}

	var rows [][]string
	for _, s := range sessions {
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		rows = append(rows, []string{
			s.Peer,
			s.URL,
			formatTime(s.LastSuccess),
			formatTime(s.LastAttempt),
			strconv.Itoa(s.Failures),
			strconv.Itoa(s.OpenGaps),
			lastErr,
		})
	}
	printTable([]string{"PEER", "URL", "LAST SUCCESS", "LAST ATTEMPT", "FAILURES", "GAPS", "ERROR"}, rows)
}
