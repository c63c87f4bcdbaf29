package handler

import (
	"log/slog"
	"net/http"

	"dropshelf-server/internal/device"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"github.com/gin-gonic/gin"
)

type AccountHandler struct {
	Tenants   *tenant.Registry
	Devices   *device.Registry
	Cookies   middleware.Cookies
	PublicURL string
	Logger    *slog.Logger
}

type createAccountBody struct {
	Name string `json:"name"`
}

// Create makes a new tenant and binds this browser's device to it as admin.
func (h *AccountHandler) Create(c *gin.Context) {
	var body createAccountBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
			return
		}
	}
	t, err := h.Tenants.Create(body.Name)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	deviceID, err := h.Devices.Bind(middleware.DeviceID(c), t.ID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if err := h.Cookies.Login(c, t.ID, deviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"tenant": t.ID,
		"admin":  h.Devices.IsAdmin(deviceID, t.ID),
	})
}

func (h *AccountHandler) Me(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	t, err := h.Tenants.Get(id.TenantID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	resp := gin.H{
		"tenant": t.ID,
		"device": id.DeviceID,
		"admin":  id.Admin,
		"public": t.Public,
	}
	if t.PermanentCode != "" {
		resp["permanentCode"] = t.PermanentCode
	}
	c.JSON(http.StatusOK, resp)
}

// Logout forgets this device and clears both cookies.
func (h *AccountHandler) Logout(c *gin.Context) {
	if deviceID := middleware.DeviceID(c); deviceID != "" {
		if err := h.Devices.Forget(deviceID); err != nil {
			writeError(c, h.Logger, err)
			return
		}
	}
	h.Cookies.Clear(c)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MyQR shares the tenant through its permanent join code.
func (h *AccountHandler) MyQR(c *gin.Context) {
	id, ok := identity(c)
	if !ok {
		return
	}
	code, err := h.Tenants.PermanentCode(id.TenantID)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	url := pairing.JoinURL(h.PublicURL, code)
	qr, err := qrDataURL(url)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": code, "url": url, "qr": qr})
}
