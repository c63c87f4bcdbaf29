package middleware

import (
	"net/http"
	"strings"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/auth"
	"dropshelf-server/internal/model"
	"github.com/gin-gonic/gin"
)

const (
	sessionContextKey  = "session"
	identityContextKey = "identity"
)

type Authenticator interface {
	Authenticate(sess model.Session) (access.Identity, error)
}

type APITokenLookup interface {
	LookupAPIToken(secret string) (string, bool)
}

func SessionFromContext(c *gin.Context) model.Session {
	v, ok := c.Get(sessionContextKey)
	if !ok {
		return model.Session{}
	}
	sess, _ := v.(model.Session)
	return sess
}

func IdentityFromContext(c *gin.Context) (access.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return access.Identity{}, false
	}
	id, ok := v.(access.Identity)
	return id, ok && id.TenantID != ""
}

// LoadSession decodes the session cookie, if any. Invalid or expired
// cookies are treated as absent.
func LoadSession(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw, err := c.Cookie(SessionCookie); err == nil && raw != "" {
			if sess, err := auth.VerifySessionToken(raw, cfg); err == nil {
				c.Set(sessionContextKey, sess)
			}
		}
		c.Next()
	}
}

// RequireSession authenticates the loaded session. A session that still
// names a renamed tenant is reissued for the new id.
func RequireSession(gate Authenticator, ck Cookies) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := SessionFromContext(c)
		id, err := gate.Authenticate(sess)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not signed in"})
			c.Abort()
			return
		}
		if id.Moved {
			sess.TenantID = id.TenantID
			if err := ck.SetSession(c, sess); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
				c.Abort()
				return
			}
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// RequireSessionOrToken accepts either a session or an API token given as
// "Authorization: Bearer <secret>". Token callers carry no device.
func RequireSessionOrToken(gate Authenticator, tokens APITokenLookup, ck Cookies) gin.HandlerFunc {
	withSession := RequireSession(gate, ck)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			withSession(c)
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}
		tenantID, ok := tokens.LookupAPIToken(strings.TrimSpace(parts[1]))
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}
		c.Set(identityContextKey, access.Identity{TenantID: tenantID})
		c.Set(sessionContextKey, model.Session{TenantID: tenantID})
		c.Next()
	}
}
