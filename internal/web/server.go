package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/crewmate/crewmate/internal/config"
	"github.com/crewmate/crewmate/internal/realtime"
	"github.com/crewmate/crewmate/internal/storage"
	"github.com/crewmate/crewmate/internal/web/handlers"
	"github.com/crewmate/crewmate/internal/web/middleware"
)

// maxJSONBody caps request bodies outside the photo upload route.
const maxJSONBody = 1 << 20

// Server represents the web server
type Server struct {
	port       int
	bind       string
	allowedNet *net.IPNet
	router     *chi.Mux
	handlers   *handlers.Handlers
	hub        *realtime.Hub
	media      http.Handler
}

// Options holds the optional parts of the server.
type Options struct {
	Port       int
	Bind       string
	AllowedNet *net.IPNet
	// Media serves locally stored uploads under /media/. Nil when objects
	// live in a bucket.
	Media http.Handler
}

// NewServer creates a new web server
func NewServer(h *handlers.Handlers, hub *realtime.Hub, opts Options) *Server {
	s := &Server{
		port:       opts.Port,
		bind:       opts.Bind,
		allowedNet: opts.AllowedNet,
		router:     chi.NewRouter(),
		handlers:   h,
		hub:        hub,
		media:      opts.Media,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	r := s.router
	h := s.handlers

	r.Use(chimiddleware.RequestID)
	// AllowSubnet must come BEFORE RealIP so we check the actual connection source
	r.Use(middleware.AllowSubnet(s.allowedNet))
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	if s.media != nil {
		r.Handle(storage.MediaPrefix+"*", s.media)
	}

	// WebSocket - no timeout (long-lived connections)
	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.Auth, true))
		r.Get("/api/ws", func(w http.ResponseWriter, r *http.Request) {
			s.hub.Serve(w, r, middleware.GetUser(r.Context()).ID)
		})
	})

	timeout := chimiddleware.Timeout(config.GetTimeouts().Request)

	// Public API
	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Use(middleware.MaxBody(maxJSONBody))
		r.Post("/api/auth/register", h.Register)
		r.Post("/api/auth/login", h.Login)
	})

	// Photo uploads carry image bodies
	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Use(middleware.BearerAuth(h.Auth, false))
		r.Use(middleware.MaxBody(storage.MaxUploadBytes + maxJSONBody))
		r.Post("/api/spots/{id}/photo", h.SpotPhoto)
	})

	// Authenticated API
	r.Group(func(r chi.Router) {
		r.Use(timeout)
		r.Use(middleware.BearerAuth(h.Auth, false))
		r.Use(middleware.MaxBody(maxJSONBody))

		r.Post("/api/auth/logout", h.Logout)
		r.Post("/api/auth/password", h.ChangePassword)
		r.Post("/api/verification/send", h.SendVerificationCode)
		r.Post("/api/verification/verify", h.VerifyCode)

		r.Get("/api/me", h.Me)
		r.Patch("/api/me", h.UpdateMe)
		r.Put("/api/me/layover", h.SetLayover)
		r.Delete("/api/me/layover", h.ClearLayover)
		r.Get("/api/me/cms", h.MyCMS)
		r.Get("/api/me/cms/history", h.MyCMSHistory)
		r.Get("/api/users/{id}", h.UserProfile)

		r.Get("/api/airports/search", h.AirportSearch)
		r.Get("/api/airports/nearest", h.AirportNearest)
		r.Get("/api/airports/{code}", h.AirportLookup)
		r.Get("/api/crew/city/{code}", h.CrewInCity)
		r.Get("/api/crew/nearby", h.CrewNearby)

		r.Get("/api/referrals/tree", h.ReferralTree)
		r.Get("/api/referrals/stats", h.ReferralStats)
		r.Get("/api/referrals/leaderboard", h.ReferralLeaderboard)

		r.Post("/api/spots", h.SubmitSpot)
		r.Get("/api/spots", h.ListSpots)
		r.Get("/api/spots/{id}", h.GetSpot)
		r.Post("/api/spots/{id}/checkin", h.CheckIn)
		r.Post("/api/spots/{id}/reviews", h.ReviewSpot)

		r.Post("/api/plans", h.CreatePlan)
		r.Get("/api/plans", h.ListPlans)
		r.Get("/api/plans/mine", h.MyPlans)
		r.Get("/api/plans/{id}", h.GetPlan)
		r.Post("/api/plans/{id}/join", h.JoinPlan)
		r.Post("/api/plans/{id}/leave", h.LeavePlan)
		r.Post("/api/plans/{id}/invite", h.InvitePlan)
		r.Post("/api/plans/{id}/cancel", h.CancelPlan)

		r.Get("/api/connections", h.ListConnections)
		r.Get("/api/connections/pending", h.PendingConnections)
		r.Post("/api/connections/requests", h.RequestConnection)
		r.Post("/api/connections/requests/{id}/accept", h.AcceptConnection)
		r.Post("/api/connections/requests/{id}/decline", h.DeclineConnection)
		r.Delete("/api/connections/{userID}", h.RemoveConnection)
		r.Post("/api/blocks/{userID}", h.BlockUser)
		r.Delete("/api/blocks/{userID}", h.UnblockUser)

		r.Post("/api/reports", h.FileReport)

		r.Get("/api/notifications", h.ListNotifications)
		r.Get("/api/notifications/unread-count", h.UnreadCount)
		r.Post("/api/notifications/read", h.MarkNotificationsRead)
		r.Post("/api/push-tokens", h.RegisterPushToken)
		r.Delete("/api/push-tokens", h.UnregisterPushToken)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)

			r.Get("/api/admin/spots/pending", h.PendingSpots)
			r.Post("/api/admin/spots/{id}/approve", h.ApproveSpot)
			r.Post("/api/admin/spots/{id}/reject", h.RejectSpot)

			r.Get("/api/admin/reports", h.ListReports)
			r.Get("/api/admin/reports/pending-count", h.PendingReportCount)
			r.Post("/api/admin/reports/{id}/resolve", h.ResolveReport)

			r.Post("/api/admin/users/{id}/ban", h.BanUser)
			r.Post("/api/admin/users/{id}/admin", h.SetUserAdmin)

			r.Get("/api/admin/jobs", h.Jobs)
			r.Post("/api/admin/jobs/{name}/run", h.RunJob)
			r.Post("/api/admin/maintenance/repair-orphans", h.RepairOrphans)
			r.Post("/api/admin/maintenance/backfill-photos", h.BackfillPhotos)

			r.Get("/api/admin/settings", h.Settings)
			r.Put("/api/admin/settings/{key}", h.UpdateSetting)

			r.Get("/api/admin/notifications/providers", h.NotificationProviders)
			r.Put("/api/admin/notifications/providers/{name}", h.NotificationProviderSave)
			r.Delete("/api/admin/notifications/providers/{name}", h.NotificationProviderDelete)
			r.Post("/api/admin/notifications/providers/{name}/test", h.NotificationProviderTest)
			r.Get("/api/admin/notifications/logs", h.NotificationLogs)
			r.Delete("/api/admin/notifications/logs", h.NotificationLogsClear)
		})
	})
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	var addr string
	if s.bind != "" {
		addr = fmt.Sprintf("%s:%d", s.bind, s.port)
	} else {
		addr = fmt.Sprintf(":%d", s.port)
	}

	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
		// ReadTimeout is for reading request body
		ReadTimeout: 30 * time.Second,
		// WriteTimeout disabled (0) to allow long-lived WebSocket connections
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down HTTP server")
		// Close WebSocket clients first, Shutdown does not track hijacked connections
		s.hub.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
