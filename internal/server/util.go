package server

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

var serviceName = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// isServiceName rejects anything that could not have been registered, so
// path parameters never reach the controller unchecked.
func isServiceName(s string) bool { return serviceName.MatchString(s) }

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
