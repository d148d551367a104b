package server

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/papa/internal/protocol"
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

// isSafeAbsPath ensures the provided path is absolute and does not contain traversal.
// It must be already cleaned (no ".." segments). This reduces risk of uncontrolled
// user input being used in filesystem paths.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p // keep root like "/" on Unix
	}
	// Reject if cleaning changes more than just trailing separators
	if !(clean == p || clean == trimmed) {
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// httpStatus maps an error kind to the HTTP status of the read-only API.
func httpStatus(err error) int {
	switch protocol.AsError(err).Kind {
	case protocol.KindNotFound:
		return http.StatusNotFound
	case protocol.KindProtocol:
		return http.StatusBadRequest
	case protocol.KindInvalidState:
		return http.StatusConflict
	case protocol.KindResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
