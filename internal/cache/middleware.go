package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

type cachedResponse struct {
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// ResponseKey is the response-cache key for a GET of path with the given raw query.
func ResponseKey(path, query string) string {
	if query == "" {
		return fmt.Sprintf(KeyResponse, path)
	}
	return fmt.Sprintf(KeyResponse, path) + ":" + strconv.FormatUint(xxhash.Sum64String(query), 16)
}

// Middleware caches successful GET responses for ttl and tags them with X-Cache.
func (c *Cache) Middleware(ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet || !c.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			key := ResponseKey(r.URL.Path, r.URL.Query().Encode())

			var hit cachedResponse
			if c.GetJSON(r.Context(), key, &hit) {
				if hit.ContentType != "" {
					w.Header().Set("Content-Type", hit.ContentType)
				}
				w.Header().Set("X-Cache", "HIT")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(hit.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			w.Header().Set("X-Cache", "MISS")
			next.ServeHTTP(rec, r)
			if rec.status == http.StatusOK {
				c.SetJSON(r.Context(), key, cachedResponse{
					ContentType: w.Header().Get("Content-Type"),
					Body:        rec.buf.Bytes(),
				}, ttl)
			}
		})
	}
}

type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.buf.Write(b)
	return r.ResponseWriter.Write(b)
}
