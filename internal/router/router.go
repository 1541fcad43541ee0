// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"donation-service/internal/handler"
	authmw "donation-service/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Donation *handler.DonationHandler
	Admin    *handler.AdminHandler
	Callback *handler.CallbackHandler
}

// SetupRoutes wires the HTTP surface. initiateLimiter may be nil when no
// redis is configured.
func SetupRoutes(
	h Handlers,
	auth *authmw.AuthMiddleware,
	initiateLimiter func(http.Handler) http.Handler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Stripe-Signature"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/api/v1/donations/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/donations", func(r chi.Router) {
			r.Use(auth.Require)

			r.With(optional(initiateLimiter)).Post("/", h.Donation.InitiateDonation)
			r.Get("/history", h.Donation.GetHistory)
			r.Get("/stats", h.Donation.GetStats)
			r.Post("/{reference}/confirm", h.Donation.ConfirmDonation)
			r.Post("/{reference}/execute", h.Donation.ExecuteDonation)
			r.Get("/{reference}/status", h.Donation.GetStatus)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Require, auth.RequireAdmin)

			r.Get("/donations/{reference}", h.Admin.GetDonation)
			r.Post("/donations/{reference}/refund", h.Admin.RefundDonation)
			r.Post("/reconcile/expire", h.Admin.ExpireStale)
		})

		// Provider callbacks authenticate by signature, not bearer token.
		r.Route("/callbacks", func(r chi.Router) {
			r.Post("/mpesa/stk", h.Callback.HandleMpesaSTKCallback)
			r.Post("/card", h.Callback.HandleCardWebhook)
			r.Post("/wallet", h.Callback.HandleWalletWebhook)
		})
	})

	return r
}

func optional(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr))
		})
	}
}
