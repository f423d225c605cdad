package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/caretrack/wardsync/internal/vclock"
)

type statsResponse struct {
	Node          string            `json:"node"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Records       int               `json:"records"`
	Changelog     int               `json:"changelog"`
	Pending       int               `json:"pending"`
	OpenReview    int               `json:"open_review"`
	Devices       int               `json:"devices"`
	Indexed       int               `json:"indexed"`
	PushClients   int               `json:"push_clients"`
	Frontier      vclock.VectorClock `json:"frontier"`
	Goroutines    int               `json:"goroutines"`
	HeapAllocMB   float64           `json:"heap_alloc_mb"`
	NumGC         uint32            `json:"num_gc"`
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.engine.Store().CollectStats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats collection failed")
		return
	}
	frontier, err := h.engine.Store().CommittedFrontier()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats collection failed")
		return
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := statsResponse{
		Node:          h.engine.NodeID(),
		UptimeSeconds: int64(time.Since(h.metrics.StartTime()).Seconds()),
		Records:       stats.Records,
		Changelog:     stats.Changelog,
		Pending:       stats.Pending,
		OpenReview:    stats.OpenReview,
		Devices:       stats.Devices,
		Frontier:      frontier,
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(mem.HeapAlloc) / 1024 / 1024,
		NumGC:         mem.NumGC,
	}
	if h.index != nil {
		resp.Indexed = h.index.Count()
	}
	if h.hub != nil {
		resp.PushClients = h.hub.Connections()
	}

	writeJSON(w, http.StatusOK, resp)
}
