// Package validation provides request validation middleware for the scoring API.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). A full batch of
// customer ids fits comfortably.
const MaxRequestSize = 1 << 20

// MaxIDLength bounds company and customer identifiers.
const MaxIDLength = 128

// idRegex accepts the identifier shapes upstream systems hand out
// (uuids, "cus_..." ids, slugs).
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID checks a company or customer identifier.
func IsValidID(id string) bool {
	return len(id) <= MaxIDLength && idRegex.MatchString(id)
}

// IDParamsMiddleware rejects requests whose named path parameters are not
// valid identifiers. Parameters absent from the route are ignored.
func IDParamsMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			v, ok := c.Params.Get(name)
			if !ok {
				continue
			}
			if !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": name + " must be 1-128 characters of letters, digits, '_', '-', '.', ':'",
				})
				return
			}
		}
		c.Next()
	}
}
