package admin

import "net/http"

// handleStatus handles GET /admin/status
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"database":           h.database.Name(),
		"commit_seq":         h.database.CommitSeq(),
		"snapshots":          h.database.SupportsSnapshots(),
		"observations":       h.registry.Len(),
		"observation_totals": h.totals(),
	}

	if h.hub != nil {
		response["commit_signals"] = h.hub.Snapshot()
		response["signals_dropped"] = h.hub.Dropped()
	}

	writeJSONResponse(w, response)
}

// totals sums delivery counters across running observations
func (h *AdminHandlers) totals() map[string]uint64 {
	totals := map[string]uint64{
		"fetches":        0,
		"delivered":      0,
		"suppressed":     0,
		"errors":         0,
		"errors_dropped": 0,
		"backlog":        0,
	}

	for _, info := range h.registry.List() {
		totals["fetches"] += info.Stats.Fetches
		totals["delivered"] += info.Stats.Delivered
		totals["suppressed"] += info.Stats.Suppressed
		totals["errors"] += info.Stats.Errors
		totals["errors_dropped"] += info.Stats.Dropped
		totals["backlog"] += uint64(info.Stats.Backlog)
	}

	return totals
}
