package handler

import (
	"log/slog"
	"net/http"

	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"github.com/gin-gonic/gin"
)

type LoginHandler struct {
	Pairing   *pairing.Service
	Tenants   *tenant.Registry
	Hub       *hub.Hub
	Cookies   middleware.Cookies
	PublicURL string
	Logger    *slog.Logger
}

type claimBody struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// Start begins a login handshake for an unauthenticated browser.
func (h *LoginHandler) Start(c *gin.Context) {
	ticket, err := h.Pairing.StartLogin(c.Request.Context())
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	url := pairing.LoginURL(h.PublicURL, ticket.Token)
	qr, err := qrDataURL(url)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     ticket.Token,
		"code":      ticket.Code,
		"url":       url,
		"qr":        qr,
		"expiresAt": ticket.ExpiresAt.UnixMilli(),
	})
}

// Status is polled by the waiting browser and never blocks.
func (h *LoginHandler) Status(c *gin.Context) {
	poll, err := h.Pairing.PollLogin(c.Request.Context(), c.Query("token"), middleware.DeviceID(c))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if poll.Status != pairing.StatusAuthenticated {
		c.JSON(http.StatusOK, gin.H{"status": poll.Status})
		return
	}
	if err := h.Cookies.Login(c, poll.TenantID, poll.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": poll.Status, "tenant": poll.TenantID})
}

// Claim is called by the scanning device with the token or the 6-digit code.
func (h *LoginHandler) Claim(c *gin.Context) {
	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	input := body.Token
	if input == "" {
		input = body.Code
	}
	claim, err := h.Pairing.ClaimLogin(c.Request.Context(), input, middleware.DeviceID(c))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if err := h.Cookies.Login(c, claim.TenantID, claim.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tenant": claim.TenantID, "newTenant": claim.NewTenant})
}

// Join binds this browser to the tenant owning a permanent code.
func (h *LoginHandler) Join(c *gin.Context) {
	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	claim, err := h.Pairing.JoinWithCode(c.Request.Context(), body.Code, middleware.DeviceID(c))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if err := h.Cookies.Login(c, claim.TenantID, claim.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tenant": claim.TenantID})
}

// ClaimAdmin redeems an admin transfer token for this browser's device.
func (h *LoginHandler) ClaimAdmin(c *gin.Context) {
	var body claimBody
	if err := c.ShouldBindJSON(&body); err != nil || body.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	claim, err := h.Pairing.ClaimAdminTransfer(c.Request.Context(), body.Token, middleware.DeviceID(c))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if err := h.Cookies.Login(c, claim.TenantID, claim.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if t, err := h.Tenants.Get(claim.TenantID); err == nil {
		h.Hub.Notify(hub.TenantKey(t.UID), gin.H{"type": "admin_changed"})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "tenant": claim.TenantID, "admin": true})
}
