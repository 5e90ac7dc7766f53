package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "staqflow/internal/errors"
)

// respondError writes the API error envelope.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// fail maps a classified error to an HTTP status.
func fail(c *gin.Context, err error) {
	switch apperrors.KindOf(err) {
	case apperrors.KindNotFound:
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case apperrors.KindValidation:
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
	case apperrors.KindAuth:
		respondError(c, http.StatusUnauthorized, "unauthorized", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
