package middleware

import (
	"net/http"
	"time"

	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	SessionCookie = "dropshelf_session"
	DeviceCookie  = "dropshelf_device"
)

// Cookies writes the two browser cookies: the signed session and the
// long-lived opaque device id.
type Cookies struct {
	Session      auth.TokenConfig
	DeviceMaxAge time.Duration
	Secure       bool
}

func (ck Cookies) SetSession(c *gin.Context, sess model.Session) error {
	tok, err := auth.CreateSessionToken(sess, ck.Session)
	if err != nil {
		return err
	}
	ck.set(c, SessionCookie, tok, ck.Session.Expiry)
	c.Set(sessionContextKey, sess)
	return nil
}

func (ck Cookies) SetDevice(c *gin.Context, deviceID string) {
	ck.set(c, DeviceCookie, deviceID, ck.DeviceMaxAge)
}

// Login sets both cookies for a freshly bound device.
func (ck Cookies) Login(c *gin.Context, tenantID, deviceID string) error {
	ck.SetDevice(c, deviceID)
	return ck.SetSession(c, model.Session{TenantID: tenantID, DeviceID: deviceID})
}

func (ck Cookies) Clear(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", ck.Secure, true)
	c.SetCookie(DeviceCookie, "", -1, "/", "", ck.Secure, true)
}

func (ck Cookies) set(c *gin.Context, name, value string, maxAge time.Duration) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(maxAge/time.Second), "/", "", ck.Secure, true)
}

// DeviceID returns the device cookie, or "" when absent.
func DeviceID(c *gin.Context) string {
	v, err := c.Cookie(DeviceCookie)
	if err != nil {
		return ""
	}
	return v
}
