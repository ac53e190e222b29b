package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"caseguard/internal/platform/privacy"
)

// Meta is the contextual request metadata audit entries may carry: an
// anonymized origin and a coarse browser family, never a raw address or full
// user-agent string.
type Meta struct {
	ClientIP      string
	OriginPrefix  string
	BrowserFamily string
}

type metaKey struct{}

// Metadata extracts client origin and browser family and stores them in the
// request context.
func Metadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)
		meta := Meta{
			ClientIP:      clientIP,
			OriginPrefix:  privacy.AnonymizeIP(clientIP),
			BrowserFamily: browserFamily(r.UserAgent()),
		}
		ctx := context.WithValue(r.Context(), metaKey{}, meta)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetMeta retrieves request metadata from the context.
func GetMeta(ctx context.Context) Meta {
	if meta, ok := ctx.Value(metaKey{}).(Meta); ok {
		return meta
	}
	return Meta{}
}

// AuditMetadata renders the context metadata in the shape audit entries use.
func AuditMetadata(ctx context.Context) map[string]string {
	meta := GetMeta(ctx)
	out := map[string]string{}
	if meta.OriginPrefix != "" {
		out["origin_prefix"] = meta.OriginPrefix
	}
	if meta.BrowserFamily != "" {
		out["browser"] = meta.BrowserFamily
	}
	if requestID := GetRequestID(ctx); requestID != "" {
		out["request_id"] = requestID
	}
	return out
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection's remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// browserFamily reduces a user-agent string to its browser name only.
func browserFamily(userAgentString string) string {
	if userAgentString == "" {
		return ""
	}
	ua := useragent.New(userAgentString)
	browser, _ := ua.Browser()
	browser = strings.ToLower(strings.TrimSpace(browser))
	if browser == "" {
		return "unknown"
	}
	return browser
}
