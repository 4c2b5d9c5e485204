package httpapi

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/orchardmart/storefront/internal/metrics"
	"github.com/orchardmart/storefront/internal/rate"
	"github.com/orchardmart/storefront/internal/session"
)

// SessionCookie is the name of the session token cookie.
const SessionCookie = "storefront_session"

// supportedLocales are the locale prefixes stripped before path
// classification. The first entry is the default used in redirects when the
// request carried no prefix.
var supportedLocales = []string{"fr", "ar", "en"}

// publicPaths is the allow-list for page traffic, matched against the
// locale-stripped path: exact match or any subpath.
var publicPaths = []string{
	"/",
	"/auth/login",
	"/auth/register",
	"/auth/forgot-password",
	"/auth/reset-password",
	"/auth/verify-email",
	"/auth/2fa",
	"/about",
	"/contact",
	"/faq",
	"/blog",
	"/products",
	"/categories",
	"/search",
	"/api/auth",
	"/api/health",
	"/api/products",
	"/api/categories",
	"/api/search",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p || (p != "/" && strings.HasPrefix(path, p+"/")) {
			return true
		}
	}
	return false
}

// stripLocale removes a leading supported-locale segment and reports which
// locale was present, so redirects can preserve it.
func stripLocale(path string) (locale, normalized string) {
	for _, l := range supportedLocales {
		if path == "/"+l {
			return l, "/"
		}
		if strings.HasPrefix(path, "/"+l+"/") {
			return l, path[len(l)+1:]
		}
	}
	return supportedLocales[0], path
}

// clientIdentity keys rate limiting: the leftmost forwarded-for address
// when present, else the direct connection address.
func clientIdentity(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bucketFor(path string) rate.Bucket {
	switch {
	case strings.HasPrefix(path, "/api/auth"):
		return rate.BucketAuth
	case strings.HasPrefix(path, "/api/checkout"):
		return rate.BucketCheckout
	default:
		return rate.BucketAPI
	}
}

// Guard is the per-request authorization pipeline: rate limiting for API
// traffic, then for page traffic the public-path bypass, session
// requirement, and role gate. Every response it produces carries the
// defensive header set.
type Guard struct {
	sessions   *session.Manager
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        *zap.Logger
	production bool
}

func NewGuard(sessions *session.Manager, limiter *rate.Limiter, mx *metrics.Metrics, log *zap.Logger, production bool) *Guard {
	if mx == nil {
		mx = metrics.New(false)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{sessions: sessions, limiter: limiter, metrics: mx, log: log, production: production}
}

func (g *Guard) applySecurityHeaders(h http.Header) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
	if g.production {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	}
}

// Handler wraps next with the full pipeline.
func (g *Guard) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.applySecurityHeaders(w.Header())
		path := r.URL.Path

		// API traffic: rate limit before any other work, then pass through.
		// Endpoint-level auth is the handlers' concern.
		if strings.HasPrefix(path, "/api/") {
			res, err := g.limiter.Check(r.Context(), bucketFor(path), clientIdentity(r))
			if err != nil {
				// A limiter outage must not take the whole API down.
				g.log.Error("rate limiter unavailable", zap.Error(err))
			} else if !res.Allowed {
				g.metrics.Inc(metrics.RateLimitHit)
				writeError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		locale, normalized := stripLocale(path)
		if isPublicPath(normalized) {
			next.ServeHTTP(w, r)
			return
		}

		sess := g.sessionFrom(r)
		if sess == nil {
			login := &url.URL{
				Path:     "/" + locale + "/auth/login",
				RawQuery: url.Values{"callbackUrl": {path}}.Encode(),
			}
			http.Redirect(w, r, login.String(), http.StatusFound)
			return
		}

		// Role gate. Failures redirect to the site root rather than an
		// error page, so restricted areas are not advertised.
		switch {
		case strings.HasPrefix(normalized, "/admin"):
			if sess.Role != "admin" {
				http.Redirect(w, r, "/"+locale, http.StatusFound)
				return
			}
		case strings.HasPrefix(normalized, "/member"):
			if sess.Role != "member" && sess.Role != "admin" {
				http.Redirect(w, r, "/"+locale, http.StatusFound)
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(session.NewContext(r.Context(), sess)))
	})
}

// sessionFrom parses the session cookie; nil when absent or invalid.
func (g *Guard) sessionFrom(r *http.Request) *session.Session {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	sess, err := g.sessions.Parse(cookie.Value)
	if err != nil {
		return nil
	}
	return sess
}
