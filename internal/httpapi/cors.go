package httpapi

import "github.com/gin-gonic/gin"

// cors implements spec §6.2's CORS contract exactly: wildcard origin,
// GET/POST/OPTIONS, Content-Type+Authorization headers, 204 preflight.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
