package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"dropshelf-server/internal/tokenstore"
	"github.com/gin-gonic/gin"
)

// writeError maps domain errors onto HTTP responses. Unknown tokens,
// unknown tenants and wrong destinations all look the same to the caller.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, pairing.ErrNotFound),
		errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, device.ErrNotFound),
		errors.Is(err, access.ErrNotFound),
		errors.Is(err, tokenstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	case errors.Is(err, access.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
	case errors.Is(err, pairing.ErrNotAdmin), errors.Is(err, access.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, tenant.ErrInvalidName):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid name"})
	case errors.Is(err, tenant.ErrPasswordTooShort):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Password too short"})
	case errors.Is(err, tenant.ErrInvalidPref):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pref"})
	case errors.Is(err, tenant.ErrNameTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "Name taken"})
	default:
		logger.Error("request failed", "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}

func identity(c *gin.Context) (access.Identity, bool) {
	id, ok := middleware.IdentityFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
	}
	return id, ok
}
