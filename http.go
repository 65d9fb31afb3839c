package coherence

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/opsboard/coherence/internal/keys"
)

// PrincipalFunc extracts the principal identity used to scope cache keys for
// responses that differ per caller (role-filtered lists). Return "" for
// responses shared by every caller. Typically this reads the authenticated
// user from the request context.
type PrincipalFunc func(*http.Request) string

// cachedResponse is the stored shape of one HTTP response.
type cachedResponse struct {
	Status int    `json:"status"`
	CType  string `json:"ctype,omitempty"`
	Body   []byte `json:"body"`
}

// Middleware caches successful GET responses under the given namespace.
// The key is computed from the route path, the sorted query parameters and
// (when principal is non-nil) the principal identity. Hits are answered from
// the cache with an "X-Cache: HIT" header; misses run the handler, store the
// response and answer with "X-Cache: MISS". Non-GET requests, non-200
// responses and dirty namespaces pass straight through. Cache faults never
// fail the request.
func (c *Cache) Middleware(namespace string, principal PrincipalFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || !c.enabled {
				next.ServeHTTP(w, r)
				return
			}

			var scope string
			if principal != nil {
				scope = principal(r)
			}
			key := keys.Response(namespace, r.URL.Path, keys.ParamHash(r.URL.Query()), scope)

			if raw, ok := c.getRaw(r.Context(), namespace, key); ok {
				var resp cachedResponse
				if err := json.Unmarshal(raw, &resp); err == nil {
					if resp.CType != "" {
						w.Header().Set("Content-Type", resp.CType)
					}
					w.Header().Set("X-Cache", "HIT")
					w.WriteHeader(resp.Status)
					_, _ = w.Write(resp.Body)
					return
				}
				c.selfHeal(r.Context(), namespace, key, "value_decode")
			}

			obs := c.SnapshotEpoch(r.Context(), namespace)

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			rec.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)

			if rec.status == http.StatusOK {
				payload, err := json.Marshal(cachedResponse{
					Status: rec.status,
					CType:  rec.Header().Get("Content-Type"),
					Body:   rec.buf.Bytes(),
				})
				if err == nil {
					c.putRaw(r.Context(), namespace, key, payload, obs)
				}
			}
		})
	}
}

// responseRecorder tees the response body so it can be stored after the
// handler ran, while streaming it to the client unchanged.
type responseRecorder struct {
	http.ResponseWriter
	status      int
	buf         bytes.Buffer
	wroteHeader bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
