// Package validation provides input validation middleware for the settlement API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxReasonLength is the maximum length for reason/note fields
const MaxReasonLength = 2000

// idRegex validates entity IDs (prefix_hex)
var idRegex = regexp.MustCompile(`^[a-z]{3}_[a-f0-9]{24}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IDParamMiddleware rejects malformed :id URL params before they reach a
// handler. No-op when the param is absent.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": "ID must look like ord_ / esc_ / dsp_ followed by 24 hex characters",
			})
			return
		}
		c.Next()
	}
}

// IsValidID checks if a string is a well-formed entity ID
func IsValidID(id string) bool {
	return idRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
