// Package validation provides input validation helpers and middleware.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// fingerprintRegex validates client-generated device fingerprints: an opaque
// token of url-safe characters, long enough to not collide by accident.
var fingerprintRegex = regexp.MustCompile(`^[A-Za-z0-9._-]{16,128}$`)

// tenantIDRegex validates tenant identifiers issued by idgen ("ten_" + hex).
var tenantIDRegex = regexp.MustCompile(`^ten_[a-f0-9]{24}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidFingerprint checks if a string is an acceptable device fingerprint.
func IsValidFingerprint(fp string) bool {
	return fingerprintRegex.MatchString(fp)
}

// IsValidTenantID checks if a string looks like a tenant ID we issued.
func IsValidTenantID(id string) bool {
	return tenantIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}
