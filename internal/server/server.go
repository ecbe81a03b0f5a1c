package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/aman-churiwal/gateway-core/internal/circuitbreaker"
	"github.com/aman-churiwal/gateway-core/internal/config"
	"github.com/aman-churiwal/gateway-core/internal/dispatch"
	"github.com/aman-churiwal/gateway-core/internal/handler"
	"github.com/aman-churiwal/gateway-core/internal/middleware"
	"github.com/aman-churiwal/gateway-core/internal/proxy"
	"github.com/aman-churiwal/gateway-core/internal/repository"
	"github.com/aman-churiwal/gateway-core/internal/routetable"
	"github.com/aman-churiwal/gateway-core/internal/service"
	"github.com/aman-churiwal/gateway-core/internal/storage"
	"github.com/gin-gonic/gin"
)

type Server struct {
	router      *gin.Engine
	config      *config.Config
	redis       *storage.RedisClient
	postgres    *storage.Postgres
	dispatcher  *dispatch.Dispatcher
	authService *service.AuthService
	httpServer  *http.Server
}

// Postgres is optional; without it request logging and the admin user
// endpoints are disabled while dispatching works normally.
func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres) *Server {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	table := routetable.NewTable()
	for _, rc := range cfg.Routes {
		if err := table.Add(rc.ToRoute()); err != nil {
			log.Printf("Skipping invalid route %s: %v", rc.Path, err)
			continue
		}
		log.Printf("Registered route: %v %s -> %s", rc.Methods, rc.Path, rc.Target)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Defaults.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Defaults.ResetTimeoutSec) * time.Second,
		CallTimeout:      time.Duration(cfg.Defaults.CallTimeoutSec) * time.Second,
	})

	dispatcher := dispatch.New(table, breakers, redis, proxy.NewHTTPTransport())

	var userRepo *repository.AuthRepository
	if postgres != nil {
		userRepo = repository.NewUserRepository(postgres)
	}
	authService := service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiryHours)

	s := &Server{
		router:      router,
		config:      cfg,
		redis:       redis,
		postgres:    postgres,
		dispatcher:  dispatcher,
		authService: authService,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery())
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger())
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.Identity(s.authService))

	if s.postgres != nil {
		middleware.InitRequestLogger(
			repository.NewRequestLogRepository(s.postgres),
			s.config.Defaults.RequestLogBuffer,
		)
		s.router.Use(middleware.RequestLogger())
	}
}

func (s *Server) setupRoutes() {
	systemHandler := handler.NewSystemHandler(s.dispatcher, s.redis, s.postgres)
	routeHandler := handler.NewRouteHandler(s.dispatcher.Routes())

	s.router.GET("/health", systemHandler.Health)
	s.router.GET("/metrics", systemHandler.Metrics)
	s.router.GET("/routes", systemHandler.Routes)

	if s.postgres != nil {
		authHandler := handler.NewAuthHandler(s.authService)
		s.router.POST("/auth/login", authHandler.Login)
	}

	admin := s.router.Group("/admin")
	admin.Use(middleware.RequireAuth())
	{
		admin.POST("/routes", routeHandler.Create)
		admin.PUT("/routes", routeHandler.Update)
		admin.DELETE("/routes", routeHandler.Delete)

		admin.GET("/breakers", systemHandler.CircuitBreakerStatus)
		admin.POST("/breakers/:service/reset", systemHandler.ResetCircuitBreaker)

		admin.POST("/ratelimits/clear", systemHandler.ClearRateLimit)

		if s.postgres != nil {
			authHandler := handler.NewAuthHandler(s.authService)
			admin.POST("/users", authHandler.Register)
		}
	}

	// Everything else is gateway traffic
	s.router.NoRoute(s.dispatcher.Handle)
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting API Gateway on %s", addr)
	log.Printf("Environment: %s", s.config.Server.Environment)

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}
