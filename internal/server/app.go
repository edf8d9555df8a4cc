package server

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
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"mira/backend/internal/config"
	"mira/backend/internal/profilecache"
)

const (
	deviceHeader    = "X-Device-ID"
	deviceHeaderMax = 128
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type App struct {
	cfg      config.Config
	db       *pgxpool.Pool
	ai       AIClient
	profiles *profilecache.Cache
	logger   *zap.Logger
	now      func() time.Time
}

type AuthUser struct {
	ID    string
	Email string
}

type httpError struct {
	Status int
	Detail string
}

func (e *httpError) Error() string {
	return e.Detail
}

func New(cfg config.Config, db *pgxpool.Pool, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}

	var storage profilecache.Storage = profilecache.NewMemoryStorage()
	if cfg.ProfileCacheBackend == config.CacheBackendPostgres && db != nil {
		storage = profilecache.NewPostgresStorage(db)
	}

	var ai AIClient
	if cfg.AIMock {
		ai = MockAIClient{Model: cfg.OpenAIModel}
	} else {
		ai = NewOpenAIResponsesClient(cfg, logger)
	}

	return &App{
		cfg:      cfg,
		db:       db,
		ai:       ai,
		profiles: profilecache.New(storage, cfg.ProfileCacheWindow(), logger.Named("profilecache")),
		logger:   logger,
		now:      time.Now,
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", deviceHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.authMiddleware())

	api.GET("/auth/me", a.getMe)
	api.GET("/profile", a.getProfile)
	api.POST("/profile", a.createProfile)
	api.PUT("/profile", a.updateProfile)
	api.DELETE("/profile", a.deleteProfile)
	api.GET("/profile/cached", a.getCachedProfile)
	api.POST("/conversations", a.createConversation)
	api.GET("/conversations", a.listConversations)
	api.GET("/conversations/:conversation_id", a.getConversation)
	api.DELETE("/conversations/:conversation_id", a.deleteConversation)
	api.POST("/conversations/:conversation_id/messages", a.addMessage)
	api.POST("/render/sanitize", a.sanitizeText)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mira-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
		if tokenString == "" {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
			if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(a.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			writeError(c, http.StatusUnauthorized, "Invalid bearer token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Invalid token payload")
			return
		}
		if a.cfg.JWTAudience != "" && !claimHasAudience(claims["aud"], a.cfg.JWTAudience) {
			writeError(c, http.StatusUnauthorized, "Invalid token audience")
			return
		}
		if a.cfg.JWTIssuer != "" {
			issuer, _ := claims["iss"].(string)
			if issuer != a.cfg.JWTIssuer {
				writeError(c, http.StatusUnauthorized, "Invalid token issuer")
				return
			}
		}
		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}
		email, _ := claims["email"].(string)

		c.Set("authUser", AuthUser{ID: sub, Email: strings.TrimSpace(email)})
		c.Next()
	}
}

func claimHasAudience(value any, audience string) bool {
	switch v := value.(type) {
	case string:
		return v == audience
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s == audience {
				return true
			}
		}
	case []string:
		for _, item := range v {
			if item == audience {
				return true
			}
		}
	}
	return false
}

func (a *App) getMe(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Unauthorized")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
		"email":   nullableString(user.Email),
	})
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

// deviceNamespace scopes cached profile snapshots to one client install.
// An empty result means the caller opted out of caching.
func deviceNamespace(c *gin.Context) string {
	device := strings.TrimSpace(c.GetHeader(deviceHeader))
	if len(device) > deviceHeaderMax {
		device = device[:deviceHeaderMax]
	}
	return device
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func (a *App) writeExecutionError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		writeError(c, httpErr.Status, httpErr.Detail)
		return
	}
	lowered := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(lowered, "openai_api_key is not configured"):
		writeError(c, http.StatusServiceUnavailable, "AI provider is not configured: set OPENAI_API_KEY")
		return
	case strings.Contains(lowered, "openai responses error"):
		writeError(c, http.StatusBadGateway, "AI provider request failed")
		return
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(lowered, "context deadline exceeded"):
		writeError(c, http.StatusBadGateway, "AI provider request timed out")
		return
	case strings.Contains(lowered, "openai response answer is empty"):
		writeError(c, http.StatusBadGateway, "AI provider returned empty answer")
		return
	}
	a.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	writeError(c, http.StatusInternalServerError, "Internal server error")
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func (a *App) requireDB() error {
	if a.db == nil {
		return &httpError{Status: http.StatusServiceUnavailable, Detail: "Database is not configured"}
	}
	return nil
}

func nullableString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
