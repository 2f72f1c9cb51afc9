package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods = "GET, POST, PATCH, PUT, DELETE, OPTIONS"
	// The WebSocket upgrade headers are listed so browsers can open /ws
	// connections cross-origin.
	corsAllowHeaders = "Origin, Content-Type, Authorization, Upgrade, Connection, " +
		"Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol"
)

// corsMiddleware answers preflight requests and stamps the CORS headers on
// everything else, WebSocket upgrades included.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", corsAllowMethods)
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
