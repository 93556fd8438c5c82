package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"creditengine/internal/config"
	"creditengine/internal/http-server/handlers/admin"
	"creditengine/internal/http-server/handlers/credits"
	handlerErrors "creditengine/internal/http-server/handlers/errors"
	"creditengine/internal/http-server/handlers/webhook"
	"creditengine/internal/http-server/middleware/authenticate"
	"creditengine/internal/http-server/middleware/timeout"
	"creditengine/lib/sl"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

type Server struct {
	conf       *config.Config
	httpServer *http.Server
	log        *slog.Logger
}

type Handler interface {
	authenticate.Authenticate
	credits.Core
	admin.Core
	webhook.Core
}

func New(conf *config.Config, log *slog.Logger, handler Handler, metrics http.Handler) *Server {
	server := Server{
		conf: conf,
		log:  log.With(sl.Module("api.server")),
	}

	httpLog := slog.NewLogLogger(log.Handler(), slog.LevelError)
	server.httpServer = &http.Server{
		Handler:      Router(log, handler, metrics),
		ErrorLog:     httpLog,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &server
}

// Router wires the routes; metrics may be nil.
func Router(log *slog.Logger, handler Handler, metrics http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(timeout.Timeout(5))
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(render.SetContentType(render.ContentTypeJSON))

	router.NotFound(handlerErrors.NotFound(log))
	router.MethodNotAllowed(handlerErrors.NotAllowed(log))

	router.Route("/v1", func(rootApi chi.Router) {
		rootApi.Use(authenticate.New(log, handler))
		rootApi.Route("/credits", func(cr chi.Router) {
			cr.Get("/balance", credits.GetBalance(log, handler))
			cr.Get("/account", credits.GetAccount(log, handler))
			cr.Get("/history", credits.History(log, handler))
			cr.Get("/check/{feature}", credits.Check(log, handler))
			cr.Post("/use", credits.Use(log, handler))
			cr.Post("/gift", credits.Gift(log, handler))
			cr.Post("/promo", credits.Promo(log, handler))
			cr.Post("/purchase", credits.Purchase(log, handler))
		})
		rootApi.Route("/admin", func(ad chi.Router) {
			ad.Use(authenticate.AdminOnly)
			ad.Post("/adjust", admin.Adjust(log, handler))
			ad.Post("/refund", admin.Refund(log, handler))
			ad.Post("/pilot/enroll", admin.EnrollPilot(log, handler))
			ad.Post("/pilot/remove", admin.RemovePilot(log, handler))
			ad.Get("/audit", admin.AuditLog(log, handler))
			ad.Route("/settings", func(st chi.Router) {
				st.Get("/", admin.GetSettings(log, handler))
				st.Put("/", admin.UpdateSettings(log, handler))
				st.Post("/credits", admin.CreditsEnabled(log, handler))
				st.Post("/free-period", admin.FreePeriod(log, handler))
				st.Post("/features", admin.RegisterFeature(log, handler))
				st.Put("/pricing", admin.UpsertPricing(log, handler))
				st.Delete("/pricing/{feature}", admin.DeletePricing(log, handler))
				st.Put("/promo", admin.UpsertPromo(log, handler))
				st.Delete("/promo/{code}", admin.DeletePromo(log, handler))
				st.Put("/pilot", admin.UpsertPilotProgram(log, handler))
				st.Put("/bundles", admin.UpsertBundle(log, handler))
			})
			ad.Route("/payment", func(pm chi.Router) {
				pm.Get("/", admin.PaymentState(log, handler))
				pm.Post("/credentials", admin.PaymentCredentials(log, handler))
				pm.Post("/failover", admin.FailoverPolicy(log, handler))
			})
		})
	})
	router.Route("/webhook", func(rootWH chi.Router) {
		rootWH.Post("/payment/{provider}", webhook.Payment(log, handler))
	})
	if metrics != nil {
		router.Method(http.MethodGet, "/metrics", metrics)
	}
	return router
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIp, s.conf.Listen.Port)
	listener, err := net.Listen("tcp", serverAddress)
	if err != nil {
		return err
	}

	s.log.Info("starting api server", slog.String("address", serverAddress))

	err = s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("stopping api server")
	return s.httpServer.Shutdown(ctx)
}
