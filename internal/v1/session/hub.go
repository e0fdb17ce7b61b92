package session

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/drawsync/backend/internal/v1/auth"
	"github.com/drawsync/backend/internal/v1/logging"
	"github.com/drawsync/backend/internal/v1/metrics"
	"github.com/drawsync/backend/internal/v1/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator authenticates the bearer token carried on the WebSocket
// upgrade request. In production this is an *auth.Validator; tests and dev
// mode can substitute *auth.MockValidator.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// Hub owns the WebSocket upgrade path: token authentication, origin
// checking, and handing a freshly upgraded connection off to the
// Dispatcher. Room lifecycle itself lives entirely in the Rooms Manager;
// the Hub does not track rooms.
type Hub struct {
	validator      TokenValidator
	dispatcher     *Dispatcher
	limiter        *ratelimit.RateLimiter
	allowedOrigins []string
}

// NewHub builds a Hub. limiter may be nil to skip connection rate limiting.
func NewHub(validator TokenValidator, dispatcher *Dispatcher, limiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		validator:      validator,
		dispatcher:     dispatcher,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
	}
}

// ServeWs authenticates the connection via a bearer token on the query
// string, upgrades to a WebSocket, and starts the client's read/write
// pumps. Room binding happens later, when the client sends its join frame.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	claims, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range h.allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(context.Background(), "failed to upgrade connection", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	client := newClient(conn, connID, h.dispatcher, claims.Subject)

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}
