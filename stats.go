package coherence

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// statsResponse is the operator-facing monitoring payload. Mount the handler
// behind admin authorization; it is read-only and consumed by operators, not
// by the coherence core.
type statsResponse struct {
	Status     string `json:"status"`
	Keys       int64  `json:"keys"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	HitRatio   string `json:"hit_ratio"`
	UsedMemory string `json:"used_memory,omitempty"`
	UptimeSec  int64  `json:"uptime_seconds,omitempty"`
}

// StatsHandler serves cache backend statistics: connection status, hit/miss
// ratio, key count, memory usage and uptime.
func StatsHandler(c *Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !c.Enabled() {
			_ = json.NewEncoder(w).Encode(statsResponse{Status: "disabled"})
			return
		}

		st, err := c.Stats(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(statsResponse{Status: "error"})
			return
		}

		resp := statsResponse{
			Status:     "connected",
			Keys:       st.Keys,
			Hits:       st.Hits,
			Misses:     st.Misses,
			HitRatio:   "0%",
			UsedMemory: st.UsedMemory,
			UptimeSec:  st.UptimeSec,
		}
		if !st.Connected {
			resp.Status = "disconnected"
		}
		if total := st.Hits + st.Misses; total > 0 {
			resp.HitRatio = fmt.Sprintf("%.2f%%", float64(st.Hits)/float64(total)*100)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
