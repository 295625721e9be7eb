package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/parley/pkg/interfaces"
	"github.com/m-mizutani/parley/pkg/metrics"
	"github.com/m-mizutani/parley/pkg/model"
	"github.com/m-mizutani/parley/pkg/usecase/account"
	"github.com/m-mizutani/parley/pkg/usecase/chat"
	"github.com/m-mizutani/parley/pkg/usecase/conversation"
	"github.com/rs/cors"
)

const defaultKeepalive = 10 * time.Second

// Server is the HTTP surface of the chat backend
type Server struct {
	resolver      interfaces.IdentityResolver
	chat          *chat.Orchestrator
	conversations *conversation.Manager
	account       *account.Account
	metrics       *metrics.Metrics

	keepalive   time.Duration
	corsOrigins []string

	handler http.Handler
}

type Option func(*Server)

// WithAccount enables the register and logout routes
func WithAccount(acc *account.Account) Option {
	return func(s *Server) {
		s.account = acc
	}
}

// WithMetrics enables request metrics and the /metrics route
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		s.keepalive = d
	}
}

func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

func New(resolver interfaces.IdentityResolver, orchestrator *chat.Orchestrator, conversations *conversation.Manager, opts ...Option) *Server {
	s := &Server{
		resolver:      resolver,
		chat:          orchestrator,
		conversations: conversations,
		keepalive:     defaultKeepalive,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(requestLogger(), recovery(), requestMetrics(s.metrics))
	s.routes(engine)

	s.handler = cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: true,
	}).Handler(engine)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes(engine *gin.Engine) {
	engine.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, "not found")
	})
	engine.NoMethod(func(c *gin.Context) {
		respondError(c, http.StatusMethodNotAllowed, "method not allowed")
	})

	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := engine.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/register", s.handleRegister)
	authGroup.POST("/logout", s.handleLogout)
	authGroup.GET("/me", s.handleMe)

	convGroup := api.Group("/conversations")
	convGroup.POST("", s.handleCreateConversation)
	convGroup.GET("", s.handleListConversations)
	convGroup.GET("/:id", s.handleGetConversation)
	convGroup.GET("/:id/messages", s.handleListMessages)
	convGroup.PUT("/:id", s.handleUpdateConversation)
	convGroup.PATCH("/:id", s.handleUpdateConversation)
	convGroup.DELETE("/:id", s.handleDeleteConversation)

	api.POST("/chat/message", s.handleChatMessage)
}

// bearerToken extracts the credential of an "Authorization: Bearer" header.
// A missing or malformed header yields an empty string.
func bearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// identify resolves the bearer credential. On failure the response is
// already written and nil is returned.
func (s *Server) identify(c *gin.Context) *model.Identity {
	identity, err := s.resolver.Resolve(c.Request.Context(), bearerToken(c))
	if err != nil {
		handleError(c, goerr.Wrap(model.Categorize(model.ErrUnauthenticated, err), "failed to resolve identity"))
		return nil
	}
	return identity
}

func (s *Server) handleRoot(c *gin.Context) {
	respondJSON(c, http.StatusOK, gin.H{"message": "Welcome to the Chatbot API!"})
}

func (s *Server) handleHealth(c *gin.Context) {
	respondJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
