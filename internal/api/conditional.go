package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/njoerd114/eventsync/internal/metrics"
)

// Cache outcomes reported to metrics.
const (
	cacheHit         = "hit"
	cacheMiss        = "miss"
	cacheNotModified = "not_modified"
	cacheBypass      = "bypass"
)

type cachedResponse struct {
	contentType string
	body        []byte
}

// conditional serves 304 when If-None-Match carries the current version and
// otherwise answers from the response cache, rendering through next on a
// miss. Only 200 responses are cached.
func (s *Server) conditional(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			version, err := s.versions.Current(r.Context())
			if err != nil {
				s.logger.Warn("sync version unavailable, serving uncached", "route", route, "error", err)
				w.Header().Set("Cache-Control", "no-cache")
				metrics.RecordAPIRequest(route, cacheBypass)
				next.ServeHTTP(w, r)
				return
			}

			etag := `"` + version + `"`
			h := w.Header()
			h.Set("ETag", etag)
			h.Set("Cache-Control", s.cacheControl())
			h.Add("Vary", "Accept-Encoding")

			if etagMatches(r.Header.Get("If-None-Match"), etag) {
				metrics.RecordAPIRequest(route, cacheNotModified)
				w.WriteHeader(http.StatusNotModified)
				return
			}

			key := version + "\x00" + r.URL.RequestURI()
			if cached, ok := s.cache.Get(key); ok {
				metrics.RecordAPIRequest(route, cacheHit)
				h.Set("Content-Type", cached.contentType)
				w.WriteHeader(http.StatusOK)
				if _, err := w.Write(cached.body); err != nil {
					s.logger.Debug("writing cached response", "route", route, "error", err)
				}
				return
			}

			metrics.RecordAPIRequest(route, cacheMiss)
			var buf bytes.Buffer
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status != http.StatusOK {
				return
			}
			entry := &cachedResponse{contentType: ww.Header().Get("Content-Type"), body: buf.Bytes()}
			s.cache.Set(key, entry, int64(len(entry.body)+len(key)))
		})
	}
}

func (s *Server) cacheControl() string {
	return fmt.Sprintf("public, max-age=%d, stale-while-revalidate=%d",
		int(s.maxAge.Seconds()), int(s.swr.Seconds()))
}

// etagMatches reports whether an If-None-Match header value matches etag.
// The header may be "*" or a comma-separated list of strong or weak tags.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
