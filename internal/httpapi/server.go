package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoboFinSystems/robosystems-sub003/pkg/credits"
)

const (
	contextKeyUserID    = "auth_user_id"
	contextKeyRequestID = "request_id"
	headerRequestID     = "X-Request-ID"
)

// Server exposes the credit ledger over JSON to the rest of the platform.
type Server struct {
	cfg     Config
	logger  *zap.Logger
	service *credits.Service
	router  *gin.Engine
}

// NewServer wires the router. The configuration must be validated first.
func NewServer(cfg Config, service *credits.Service, logger *zap.Logger) *Server {
	server := &Server{
		cfg:     cfg,
		logger:  logger,
		service: service,
	}
	server.router = server.setupRouter()
	return server
}

// Handler returns the HTTP handler, for tests and embedding.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credit api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.requestIDMiddleware())
	router.Use(server.accessLogMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/v1")
	api.Use(server.authMiddleware())

	api.POST("/pools", server.handleCreatePool)
	api.POST("/pools/:kind/:resource/consume", server.handleConsume)
	api.POST("/pools/:kind/:resource/allocate", server.handleAllocate)
	api.PUT("/pools/:kind/:resource/allocation", server.handleUpdateAllocation)
	api.POST("/pools/:kind/:resource/bonus", server.handleGrantBonus)
	api.GET("/pools/:kind/:resource/storage/check", server.handleStorageCheck)
	api.POST("/pools/:kind/:resource/storage/consume", server.handleStorageOverage)
	api.PUT("/pools/:kind/:resource/storage/override", server.handleStorageOverride)
	api.PUT("/pools/:kind/:resource/active", server.handleSetActive)
	api.GET("/pools/:kind/:resource/summary", server.handleSummary)
	api.GET("/pools/:kind/:resource/transactions", server.handleListTransactions)

	return router
}

func (server *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		requestID := strings.TrimSpace(ctx.GetHeader(headerRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx.Set(contextKeyRequestID, requestID)
		ctx.Header(headerRequestID, requestID)
		ctx.Next()
	}
}

func (server *Server) accessLogMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		server.logger.Info("request",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("duration", time.Since(started)),
			zap.String("request_id", ctx.GetString(contextKeyRequestID)),
		)
	}
}

func (server *Server) authMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if server.cfg.AuthDisabled {
			ctx.Next()
			return
		}
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		rawToken := strings.TrimPrefix(header, "Bearer ")
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(server.cfg.AuthSigningKey), nil
		}, jwt.WithIssuer(server.cfg.AuthIssuer))
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Next()
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
