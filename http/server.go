// Package http provides the Echo server setup shared by the service: standard
// middleware, the JSON error contract and graceful shutdown.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"hut.evalgo.org/common"
)

// ServerConfig contains configuration for creating an Echo server
type ServerConfig struct {
	Host            string
	Port            int
	Debug           bool
	BodyLimit       string // e.g., "1M"
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string // For CORS
	RateLimit       float64  // Requests per second (0 = no limit)
	Logger          *logrus.Entry
}

// DefaultServerConfig returns a server config with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		BodyLimit:       "1M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// Address returns host:port
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewEchoServer creates a new Echo server with standard middleware
func NewEchoServer(config ServerConfig) *echo.Echo {
	log := common.ComponentLogger(config.Logger, "http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug
	e.HTTPErrorHandler = ErrorHandler(log)

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogMethod:    true,
		LogURI:       true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.WithFields(logrus.Fields{
				"status":     v.Status,
				"method":     v.Method,
				"uri":        v.URI,
				"latency":    v.Latency.String(),
				"request_id": v.RequestID,
			}).Debug("Request")
			return nil
		},
	}))

	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPatch,
				http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin,
				echo.HeaderContentType,
				echo.HeaderAccept,
				echo.HeaderAuthorization,
			},
		}))
	}

	e.Use(middleware.RequestID())
	e.Use(SecurityHeadersMiddleware())

	if config.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(config.RateLimit),
		)))
	}

	return e
}

// StartServer starts an Echo server and blocks until it stops. A server
// closed by GracefulShutdown returns nil.
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         config.Address(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	common.ComponentLogger(config.Logger, "http").WithField("address", s.Addr).Info("Starting server")
	if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GracefulShutdown drains in-flight requests within timeout
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// SecurityHeadersMiddleware adds security headers to responses
func SecurityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	}
}
