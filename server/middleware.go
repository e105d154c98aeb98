package main

import (
	"log/slog"
	"time"

	"github.com/gammadia/farmhand/api"
	"github.com/gin-gonic/gin"
)

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		status := c.Writer.Status()
		attrs := []any{"method", method, "path", path, "status", status, "latency", time.Since(start)}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "error", c.Errors.String())
		}
		if status >= 500 {
			logger.Warn("Request failed", attrs...)
		} else {
			logger.Debug("Request served", attrs...)
		}
	}
}

func requestRecovery(logger *slog.Logger) gin.RecoveryFunc {
	return func(c *gin.Context, err any) {
		logger.Error("Request panicked", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
		c.AbortWithStatusJSON(500, api.Response{Ok: false, Error: "internal error"})
	}
}
