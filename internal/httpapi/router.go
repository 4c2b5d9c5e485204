// Package httpapi exposes the auth endpoints and the request authorization
// pipeline over chi.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig collects the pieces the router wires together.
type RouterConfig struct {
	Handlers       *Handlers
	Guard          *Guard
	AllowedOrigins []string

	// Pages serves non-API traffic that survives the guard. nil falls back
	// to a minimal placeholder, for deployments where the storefront pages
	// are rendered elsewhere.
	Pages http.Handler
}

// NewRouter assembles the HTTP surface. The guard runs outside the route
// tree so rate limiting, the public-path bypass, and the role gate apply to
// every request, including unmatched paths.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(cfg.Guard.Handler)

	h := cfg.Handlers
	r.Route("/api", func(api chi.Router) {
		api.Get("/health", h.Health)
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/register", h.Register)
			ar.Post("/login", h.Login)
			ar.Post("/logout", h.Logout)
			ar.Post("/forgot-password", h.ForgotPassword)
			ar.Post("/reset-password", h.ResetPassword)
			ar.Get("/verify-email", h.VerifyEmail)
			ar.Post("/resend-verification", h.ResendVerification)
			ar.Post("/change-password", h.ChangePassword)
			ar.Post("/session/refresh", h.RefreshSession)
			ar.Route("/2fa", func(tr chi.Router) {
				tr.Post("/setup", h.TwoFactorSetup)
				tr.Post("/verify", h.TwoFactorVerify)
				tr.Post("/validate", h.TwoFactorValidate)
				tr.Post("/disable", h.TwoFactorDisable)
			})
		})
	})

	pages := cfg.Pages
	if pages == nil {
		pages = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	r.NotFound(pages.ServeHTTP)

	return r
}
