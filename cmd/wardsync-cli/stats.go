package main

import (
	"fmt"
	"sort"

	"github.com/caretrack/wardsync/internal/vclock"
)

type cliStats struct {
	Node          string             `json:"node"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Records       int                `json:"records"`
	Changelog     int                `json:"changelog"`
	Pending       int                `json:"pending"`
	OpenReview    int                `json:"open_review"`
	Devices       int                `json:"devices"`
	Indexed       int                `json:"indexed"`
	PushClients   int                `json:"push_clients"`
	Frontier      vclock.VectorClock `json:"frontier"`
	Goroutines    int                `json:"goroutines"`
	HeapAllocMB   float64            `json:"heap_alloc_mb"`
}

func runStats(_ []string) {
	requireCreds()

	var s cliStats
	apiJSON("GET", "/stats", nil, &s)

	fmt.Printf("Node:          %s\n", s.Node)
	fmt.Printf("Uptime:        %s\n", formatSeconds(s.UptimeSeconds))
	fmt.Printf("Records:       %d\n", s.Records)
	fmt.Printf("Changelog:     %d\n", s.Changelog)
	fmt.Printf("Pending:       %d\n", s.Pending)
	fmt.Printf("Open review:   %d\n", s.OpenReview)
	fmt.Printf("Devices:       %d\n", s.Devices)
	fmt.Printf("Indexed:       %d\n", s.Indexed)
	fmt.Printf("Push clients:  %d\n", s.PushClients)
	fmt.Printf("Goroutines:    %d\n", s.Goroutines)
	fmt.Printf("Heap:          %.1f MB\n", s.HeapAllocMB)

	if len(s.Frontier) > 0 {
		fmt.Println("\nCommitted frontier:")
		nodes := make([]string, 0, len(s.Frontier))
		for node := range s.Frontier {
			nodes = append(nodes, node)
		}
		sort.Strings(nodes)
		for _, node := range nodes {
			fmt.Printf("  %-20s %d\n", node, s.Frontier[node])
		}
	}
}

func formatSeconds(secs int64) string {
	days := secs / 86400
	hours := (secs % 86400) / 3600
	mins := (secs % 3600) / 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm %ds", mins, secs%60)
}
