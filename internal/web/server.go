package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	corslib "github.com/rs/cors"

	"github.com/noahxzhu/webpush-notify/internal/registry"
	"github.com/noahxzhu/webpush-notify/internal/worker"
)

type Options struct {
	PublicKey   string
	CORSOrigins []string
	StaticDir   string
	// DebugToken guards /debug/* when set.
	DebugToken string
	Logger     *slog.Logger
}

type Server struct {
	registry *registry.Registry
	worker   *worker.Worker
	opts     Options
	router   chi.Router
	started  time.Time
	now      func() time.Time
	log      *slog.Logger
}

func NewServer(reg *registry.Registry, w *worker.Worker, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: reg,
		worker:   w,
		opts:     opts,
		router:   chi.NewRouter(),
		started:  time.Now(),
		now:      time.Now,
		log:      logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := corslib.New(corslib.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	})
	r.Use(c.Handler)

	r.Get("/vapidPublicKey", s.handlePublicKey)
	r.Get("/health", s.handleHealth)
	r.Post("/subscribe", s.handleSubscribe)
	r.Post("/unsubscribe", s.handleUnsubscribe)
	r.Get("/subscriptions", s.handleSubscriptions)
	r.Get("/scheduled", s.handleScheduled)
	r.Post("/sendNow", s.handleSendNow)
	r.Post("/sendWelcome", s.handleSendWelcome)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug", func(r chi.Router) {
		r.Use(s.debugAuth)
		r.Get("/subscriptions", s.handleDebugSubscriptions)
		r.Get("/test-send", s.handleSendNow)
		r.Get("/send-scheduled/{hour}", s.handleForceScheduled)
		r.Get("/state", s.handleState)
		r.Get("/scheduled", s.handleDebugScheduled)
		r.Get("/export-subscriptions", s.handleExport)
	})

	if s.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.opts.StaticDir)))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// debugAuth accepts the token as a bearer credential or a "token" query
// parameter.
func (s *Server) debugAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.DebugToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimPrefix(h, "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.DebugToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}
