package middleware

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/piwi3910/nebulaguard/internal/metrics"
)

// MetricsMiddleware records request count and latency per chi route.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		// The route pattern is only complete once routing has run.
		metrics.RecordRequest(r.Method, routePattern(r), status, time.Since(start))
	})
}

// routePattern returns the matched chi route. Unrouted requests share one
// label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

var uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}(-[0-9a-fA-F]{4}){3}-[0-9a-fA-F]{12}$`)

// idPlaceholders names the id segment that follows each collection.
var idPlaceholders = map[string]string{
	"patterns":   "{pattern}",
	"policies":   "{policy}",
	"scans":      "{scan}",
	"violations": "{violation}",
}

// labelPath collapses ids in a raw URL path for use as a metric label. The
// rate limiter sits in front of the router and has no route pattern yet.
func labelPath(path string) string {
	parts := strings.Split(path, "/")

	for i := range parts {
		switch {
		case parts[i] == "":
		case i > 0 && idPlaceholders[parts[i-1]] != "" && !isCollectionVerb(parts[i]):
			parts[i] = idPlaceholders[parts[i-1]]
		case uuidSegment.MatchString(parts[i]):
			parts[i] = "{id}"
		}
	}

	return strings.Join(parts, "/")
}

// isCollectionVerb reports segments that sit where an id would but name a
// fixed sub-resource, such as /scans/active.
func isCollectionVerb(segment string) bool {
	switch segment {
	case "active", "export":
		return true
	}

	return false
}
