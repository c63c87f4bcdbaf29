package handler

import (
	"log/slog"
	"net/http"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"github.com/gin-gonic/gin"
)

// AdminHandler serves the tenant settings that only the admin device may
// change. Admin status is rechecked against the tenant on every request.
type AdminHandler struct {
	Tenants   *tenant.Registry
	Pairing   *pairing.Service
	Gate      *access.Gate
	Hub       *hub.Hub
	Cookies   middleware.Cookies
	PublicURL string
	Logger    *slog.Logger
}

func (h *AdminHandler) requireAdmin(c *gin.Context) (access.Identity, bool) {
	id, ok := identity(c)
	if !ok {
		return id, false
	}
	if err := h.Gate.RequireAdmin(id.TenantID, id.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return id, false
	}
	return id, true
}

func (h *AdminHandler) notify(tenantID string, event gin.H) {
	if t, err := h.Tenants.Get(tenantID); err == nil {
		h.Hub.Notify(hub.TenantKey(t.UID), event)
	}
}

// StartTransfer mints an admin transfer token and its QR payload.
func (h *AdminHandler) StartTransfer(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	ticket, err := h.Pairing.StartAdminTransfer(c.Request.Context(), id.TenantID, id.DeviceID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	url := pairing.TransferURL(h.PublicURL, ticket.Token)
	qr, err := qrDataURL(url)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     ticket.Token,
		"url":       url,
		"qr":        qr,
		"expiresAt": ticket.ExpiresAt.UnixMilli(),
	})
}

type privacyBody struct {
	Public   *bool  `json:"public"`
	Password string `json:"password"`
}

func (h *AdminHandler) Privacy(c *gin.Context) {
	id, ok := h.requireAdmin(c)
	if !ok {
		return
	}
	var body privacyBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Public == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := h.Tenants.SetVisibility(id.TenantID, *body.Public, body.Password); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	h.notify(id.TenantID, gin.H{"type": "privacy_changed", "public": *body.Public})
	c.JSON(http.StatusOK, gin.H{"success": true, "public": *body.Public})
}

type renameBody struct {
	Name string `json:"name"`
}

// Rename relabels the caller's tenant and reissues the session cookie.
func (h *AdminHandler) Rename(c *gin.Context) {
	id, ok := h.requireAdmin(c)
	if !ok {
		return
	}
	var body renameBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := h.Tenants.Rename(id.TenantID, body.Name); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	sess := middleware.SessionFromContext(c)
	sess.TenantID = body.Name
	if err := h.Cookies.SetSession(c, sess); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	h.notify(body.Name, gin.H{"type": "renamed", "tenant": body.Name})
	c.JSON(http.StatusOK, gin.H{"success": true, "tenant": body.Name})
}

func (h *AdminHandler) Prefs(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	prefs, err := h.Tenants.Prefs(id.TenantID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prefs": prefs})
}

// SetPrefs merges a patch into the tenant prefs. The delete permission
// flag is admin-only.
func (h *AdminHandler) SetPrefs(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil || len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if _, touchesDelete := patch[tenant.PrefAllowNonAdminDelete]; touchesDelete {
		if err := h.Gate.RequireAdmin(id.TenantID, id.DeviceID); err != nil {
			writeError(c, h.Logger, err)
			return
		}
	}
	prefs, err := h.Tenants.SetPrefs(id.TenantID, patch)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prefs": prefs})
}

type tokenBody struct {
	Name string `json:"name"`
}

// Tokens issues the tenant's API token; ?regenerate=1 revokes and reissues.
func (h *AdminHandler) Tokens(c *gin.Context) {
	id, ok := h.requireAdmin(c)
	if !ok {
		return
	}
	var body tokenBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	issue := h.Tenants.IssueAPIToken
	if c.Query("regenerate") == "1" {
		issue = h.Tenants.RegenerateAPIToken
	}
	tok, err := issue(id.TenantID, body.Name)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      tok.ID,
		"token":   tok.Secret,
		"name":    tok.Name,
		"created": tok.Created.UnixMilli(),
	})
}
