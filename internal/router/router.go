package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/AdwelloTech/MathMentor-sub008/internal/handlers"
	"github.com/AdwelloTech/MathMentor-sub008/internal/middleware"
	"github.com/AdwelloTech/MathMentor-sub008/internal/websocket"
)

func New(
	jwtAuth *middleware.JWTAuth,
	instantSessionHandler *handlers.InstantSessionHandler,
	wsHub *websocket.Hub,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(frontendURL))

	// Creation limiter: a student hammering "find me a tutor" floods
	// every subscribed tutor's pool.
	createLimiter := middleware.NewRateLimiter(10, time.Minute)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {

		r.Route("/instant-sessions", func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(middleware.RoleStudent))
				r.Use(createLimiter.Middleware)
				r.Post("/", instantSessionHandler.Create)
			})

			r.Get("/pending", instantSessionHandler.ListPending)
			r.Get("/student/{id}", instantSessionHandler.StudentHistory)
			r.Get("/tutor/{id}", instantSessionHandler.TutorHistory)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", instantSessionHandler.Get)
				r.Post("/cancel", instantSessionHandler.Cancel)
				r.Post("/tutor-joined", instantSessionHandler.TutorJoined)
				r.Post("/student-joined", instantSessionHandler.StudentJoined)
				r.Post("/start", instantSessionHandler.Start)
				r.Post("/complete", instantSessionHandler.Complete)

				r.Group(func(r chi.Router) {
					r.Use(middleware.RequireRole(middleware.RoleTutor))
					r.Post("/accept", instantSessionHandler.Accept)
				})
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
