package api

import (
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultBodyLimit = "64K"

// MiddlewareConfig configures the shared middleware chain.
type MiddlewareConfig struct {
	AllowOrigins []string
	// RateLimitRPS enables per client IP rate limiting when positive.
	RateLimitRPS float64
	BodyLimit    string
	// Registry receives the HTTP metrics and backs GET /metrics. Nil
	// disables both.
	Registry *prometheus.Registry
}

// Use installs request ids, recovery, CORS, request logging, metrics,
// rate limiting, body limits and request decompression on e.
func Use(e *echo.Echo, logger *log.Logger, cfg MiddlewareConfig) {
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowOrigins = []string{"*"}
	}
	if cfg.BodyLimit == "" {
		cfg.BodyLimit = defaultBodyLimit
	}

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, headerIdempotencyKey},
		ExposeHeaders: []string{echo.HeaderXRequestID, echo.HeaderRetryAfter, headerReplayed},
	}))
	e.Use(RequestLogger(logger))
	if cfg.Registry != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:                 "todo_api",
			Registerer:                cfg.Registry,
			Skipper:                   skipOperational,
			DoNotUseRequestPathFor404: true,
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: cfg.Registry}))
	}
	if cfg.RateLimitRPS > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: skipOperational,
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimitRPS),
				Burst:     int(math.Ceil(cfg.RateLimitRPS)) * 2,
				ExpiresIn: 3 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return c.JSON(http.StatusTooManyRequests, errorResponse{Code: "RATE_LIMITED", Message: "too many requests"})
			},
		}))
	}
	// Decompress wraps the body first so the limit counts decompressed bytes.
	e.Use(middleware.Decompress())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
}

// skipOperational exempts health probes and the metrics endpoint.
func skipOperational(c echo.Context) bool {
	p := c.Request().URL.Path
	return p == "/metrics" || strings.HasPrefix(p, "/actuator/")
}

// RequestLogger writes one logrus entry per request.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogRoutePath: true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogRemoteIP:  true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := logger.WithFields(log.Fields{
				"request_id": v.RequestID,
				"method":     v.Method,
				"path":       v.URIPath,
				"route":      v.RoutePath,
				"status":     v.Status,
				"latency_ms": durationToMillis(v.Latency),
				"remote_ip":  v.RemoteIP,
			})
			switch {
			case v.Status >= http.StatusInternalServerError:
				if v.Error != nil {
					entry = entry.WithError(v.Error)
				}
				entry.Error("request")
			case skipOperational(c):
				entry.Debug("request")
			default:
				entry.Info("request")
			}
			return nil
		},
	})
}
