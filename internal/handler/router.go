package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/rewardbot-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса вознаграждений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/api/health", h.Health)
	r.Post("/api/session", h.CreateSession)
	r.Get("/api/ws", h.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/user", func(r chi.Router) {
			r.Get("/", h.GetAccount)
			r.Get("/ads", h.GetAdStatus)
			r.Post("/ads/{provider}/watch", h.WatchAd)
			r.Post("/withdraw", h.Withdraw)
			r.Get("/withdrawals", h.GetWithdrawals)
			r.Get("/referrals", h.GetReferrals)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.GetTasks)
			r.Post("/{taskID}/start", h.StartTask)
			r.Get("/{taskID}/status", h.GetTaskStatus)
			r.Post("/{taskID}/cancel", h.CancelTask)
			r.Post("/{taskID}/foreground", h.ReportForeground)
			r.Post("/{taskID}/claim", h.ClaimTask)
		})

		r.Route("/giveaway", func(r chi.Router) {
			r.Get("/", h.GetGiveaway)
			r.Post("/enter", h.EnterGiveaway)
			r.Post("/claim-all", h.ClaimAllGiveaway)
		})

		r.Post("/spin", h.Spin)
		r.Get("/leaderboard", h.GetLeaderboard)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
