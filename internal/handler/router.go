package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/reactivation-backend/internal/controller"
	"github.com/unclebandit/reactivation-backend/internal/logging"
	"github.com/unclebandit/reactivation-backend/internal/metrics"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Routes holds the controllers mounted by NewRouter.
type Routes struct {
	Sequences *controller.SequenceController
	Webhooks  *controller.WebhookController
	Operator  *controller.OperatorController
	// DB is optional; without it the health check only reports liveness.
	DB  Pinger
	Log *slog.Logger
}

func NewRouter(rt Routes) http.Handler {
	log := rt.Log
	if log == nil {
		log = logging.Discard()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(requestLogger(log))

	r.Get("/healthz", health(rt.DB))
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/sequences", rt.Sequences.Schedule)
	r.Delete("/leads/{lead_id}/pending", rt.Sequences.CancelPending)
	r.Post("/campaigns/{id}/pause", rt.Sequences.PauseCampaign)
	r.Post("/campaigns/{id}/resume", rt.Sequences.ResumeCampaign)

	r.Post("/webhooks/calendar", rt.Webhooks.Calendar)
	r.Post("/webhooks/billing", rt.Webhooks.Billing)

	r.Get("/messages/{lead_id}", rt.Operator.MessagesForLead)
	r.Get("/dead-letters", rt.Operator.DeadLetters)
	r.Get("/dead-letters/export", rt.Operator.ExportDeadLetters)
	r.Get("/billing/rejected", rt.Operator.RejectedBilling)

	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
