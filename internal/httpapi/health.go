package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// health is GET /health → 200 {ok:true} (spec §6.2).
func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
