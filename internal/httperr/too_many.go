package httperr

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdmissionError represents a standardized 429 Too Many Requests response
// for admission-control rejections (active session pool exhausted).
type AdmissionError struct {
	Error  string `json:"error"`
	Limit  int    `json:"limit"`
	Active int    `json:"active"`
}

// AbortWithTooMany sends a 429 response with pool occupancy details and aborts.
func AbortWithTooMany(c *gin.Context, message string, limit, active int) {
	c.AbortWithStatusJSON(http.StatusTooManyRequests, &AdmissionError{
		Error:  message,
		Limit:  limit,
		Active: active,
	})
}
