package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// requestLogger logs each request through logrus and counts it by route
// and status class.
func requestLogger(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.request(route, status)

		entry := logrus.WithFields(logrus.Fields{
			"function": "requestLogger",
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"latency":  time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		switch {
		case status >= 500:
			entry.Error("Request failed")
		case status >= 400:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request served")
		}
	}
}

// requireParty aborts with 400 unless the party query parameter is set.
func requireParty() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Query("party") == "" {
			abortError(c, errMissingParty)
			return
		}
		c.Next()
	}
}
