package api

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"evalgo.org/gameforge/models"
)

// ValidateContentType middleware ensures that requests with a body have the correct Content-Type
func ValidateContentType(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		method := c.Request().Method

		// Only check POST, PUT, PATCH requests
		if method == "POST" || method == "PUT" || method == "PATCH" {
			contentType := c.Request().Header.Get("Content-Type")

			// Allow empty body for some requests
			if c.Request().ContentLength == 0 {
				return next(c)
			}

			// YAML is only meaningful for blueprint documents; the
			// handlers decoding JSON reject it on bind.
			if !strings.HasPrefix(contentType, "application/json") &&
				!strings.HasSuffix(strings.Split(contentType, ";")[0], "yaml") {
				return BadRequestError(
					"Invalid Content-Type",
					"Content-Type must be 'application/json' or 'application/yaml'. Got: "+contentType,
				)
			}
		}

		return next(c)
	}
}

// ValidateAcceptHeader middleware ensures that clients can accept JSON responses
func ValidateAcceptHeader(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		accept := c.Request().Header.Get("Accept")

		// If no Accept header, assume */*
		if accept == "" {
			return next(c)
		}

		if !strings.Contains(accept, "application/json") &&
			!strings.Contains(accept, "*/*") &&
			!strings.Contains(accept, "application/*") {
			return BadRequestError(
				"Invalid Accept header",
				"API only returns JSON. Accept header must include 'application/json' or '*/*'. Got: "+accept,
			)
		}

		return next(c)
	}
}

// ValidateIDFormat middleware validates that resource IDs follow expected patterns
func ValidateIDFormat(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")

		// If no ID param, skip validation
		if id == "" {
			return next(c)
		}

		if strings.ContainsAny(id, " /") {
			return BadRequestError(
				"Invalid ID format",
				"ID cannot contain spaces or slashes",
			)
		}

		if len(id) < 3 {
			return BadRequestError(
				"Invalid ID format",
				"ID must be at least 3 characters long",
			)
		}

		if len(id) > 256 {
			return BadRequestError(
				"Invalid ID format",
				"ID must not exceed 256 characters",
			)
		}

		return next(c)
	}
}

// ValidateServerQuery rejects unknown server status filters.
func ValidateServerQuery(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if status := c.QueryParam("status"); status != "" {
			switch models.ServerStatus(status) {
			case models.ServerInstalling, models.ServerOffline, models.ServerStarting,
				models.ServerOnline, models.ServerStopping, models.ServerFailed:
			default:
				return BadRequestError(
					"Invalid status parameter",
					"Status must be one of: installing, offline, starting, online, stopping, failed. Got: "+status,
				)
			}
		}
		return next(c)
	}
}

// ValidateHostQuery rejects unknown host status filters.
func ValidateHostQuery(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if status := c.QueryParam("status"); status != "" && !models.HostStatus(status).Valid() {
			return BadRequestError(
				"Invalid status parameter",
				"Status must be one of: online, offline, maintenance. Got: "+status,
			)
		}
		return next(c)
	}
}

// SecurityHeaders middleware adds security headers to responses
func SecurityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("X-Content-Type-Options", "nosniff")
		c.Response().Header().Set("X-Frame-Options", "DENY")
		c.Response().Header().Set("X-XSS-Protection", "1; mode=block")
		c.Response().Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		return next(c)
	}
}

// RequestLogger logs every request through zap.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency.Round(time.Microsecond)),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	})
}
