package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/caretrack/wardsync/internal/record"
)

type cliResult struct {
	RecordType string   `json:"record_type"`
	RecordID   string   `json:"record_id"`
	Title      string   `json:"title,omitempty"`
	Status     string   `json:"status,omitempty"`
	Assignees  []string `json:"assignees,omitempty"`
	UpdatedAt  int64    `json:"updated_at,omitempty"`
}

func runBoard(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli board <type> [status]

Shows records of a type grouped by status column. With a status
argument only that column is fetched.`)
		os.Exit(1)
	}

	requireCreds()

	path := "/board/" + args[0]
	if len(args) > 1 {
		path += "?status=" + url.QueryEscape(args[1])
	}

	var columns map[string][]cliResult
	apiJSON("GET", path, nil, &columns)

	if len(columns) == 0 {
		fmt.Println("Board is empty.")
		return
	}

	// Known statuses in workflow order, then anything else alphabetically.
	order := record.Statuses()
	seen := make(map[string]bool, len(order))
	for _, s := range order {
		seen[s] = true
	}
	var extra []string
	for s := range columns {
		if !seen[s] {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	order = append(order, extra...)

	for _, status := range order {
		results, ok := columns[status]
		if !ok {
			continue
		}
		fmt.Printf("== %s (%d)\n", status, len(results))
		var rows [][]string
		for _, res := range results {
			rows = append(rows, []string{
				res.RecordID,
				res.Title,
				strings.Join(res.Assignees, ","),
				formatUnixNanos(res.UpdatedAt),
			})
		}
		printTable([]string{"ID", "TITLE", "ASSIGNEES", "UPDATED"}, rows)
		fmt.Println()
	}
}

func runSearch(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli search <query> [--type task|handover] [--assignee <staff-id>]

Query terms are matched as substrings. status:, assignee:, and ref:
prefixes filter instead of matching text, e.g.:

  wardsync-cli search "status:blocked sepsis"
  wardsync-cli search ref:patient-12 --type task`)
		os.Exit(1)
	}

	requireCreds()

	var terms []string
	var recordType, assignee string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--type":
			if i+1 < len(args) {
				recordType = args[i+1]
				i++
			}
		case "--assignee":
			if i+1 < len(args) {
				assignee = args[i+1]
				i++
			}
		default:
			terms = append(terms, args[i])
		}
	}
	query := strings.Join(terms, " ")

	var results []cliResult
	if assignee != "" {
		apiJSON("GET", "/assignees/"+url.PathEscape(assignee), nil, &results)
	} else {
		if query == "" {
			fatal("search requires a query")
		}
		path := "/search?q=" + url.QueryEscape(query)
		if recordType != "" {
			path += "&type=" + url.QueryEscape(recordType)
		}
		apiJSON("GET", path, nil, &results)
	}

	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}

	var rows [][]string
	for _, res := range results {
		rows = append(rows, []string{
			res.RecordType,
			res.RecordID,
			res.Title,
			res.Status,
			strings.Join(res.Assignees, ","),
			formatUnixNanos(res.UpdatedAt),
		})
	}
	printTable([]string{"TYPE", "ID", "TITLE", "STATUS", "ASSIGNEES", "UPDATED"}, rows)
}
