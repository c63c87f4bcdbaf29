package server

import (
	"log/slog"
	"time"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/device"
	"dropshelf-server/internal/handler"
	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/metrics"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/pairing"
	"dropshelf-server/internal/tenant"
	"github.com/gin-gonic/gin"
)

type Deps struct {
	Tenants   *tenant.Registry
	Devices   *device.Registry
	Pairing   *pairing.Service
	Gate      *access.Gate
	Hub       *hub.Hub
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Cookies   middleware.Cookies
	PublicURL string

	// Nil limiters get defaults of 30 logins and 5 unlocks per minute.
	LoginLimiter  *middleware.RateLimiter
	UnlockLimiter *middleware.RateLimiter
}

func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(nil)
	}
	loginLimiter := deps.LoginLimiter
	if loginLimiter == nil {
		loginLimiter = middleware.NewRateLimiter(30, time.Minute)
	}
	unlockLimiter := deps.UnlockLimiter
	if unlockLimiter == nil {
		unlockLimiter = middleware.NewRateLimiter(5, time.Minute)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger, m))
	r.Use(middleware.LoadSession(deps.Cookies.Session))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	loginHandler := &handler.LoginHandler{
		Pairing: deps.Pairing, Tenants: deps.Tenants, Hub: deps.Hub,
		Cookies: deps.Cookies, PublicURL: deps.PublicURL, Logger: logger,
	}
	accountHandler := &handler.AccountHandler{
		Tenants: deps.Tenants, Devices: deps.Devices,
		Cookies: deps.Cookies, PublicURL: deps.PublicURL, Logger: logger,
	}
	adminHandler := &handler.AdminHandler{
		Tenants: deps.Tenants, Pairing: deps.Pairing, Gate: deps.Gate, Hub: deps.Hub,
		Cookies: deps.Cookies, PublicURL: deps.PublicURL, Logger: logger,
	}
	filesHandler := &handler.FilesHandler{
		Tenants: deps.Tenants, Gate: deps.Gate, Hub: deps.Hub,
		Cookies: deps.Cookies, Logger: logger,
	}

	loginLimit := middleware.RateLimitMiddleware(loginLimiter, "login", m)

	api := r.Group("/api")
	api.POST("/login/start", loginLimit, loginHandler.Start)
	api.GET("/login/status", loginHandler.Status)
	api.POST("/login/claim", loginLimit, loginHandler.Claim)
	api.POST("/join", loginLimit, loginHandler.Join)
	api.POST("/admin/claim", loginLimit, loginHandler.ClaimAdmin)
	api.POST("/accounts", loginLimit, accountHandler.Create)
	api.POST("/logout", accountHandler.Logout)

	protected := api.Group("")
	protected.Use(middleware.RequireSession(deps.Gate, deps.Cookies))
	protected.GET("/me", accountHandler.Me)
	protected.GET("/my_qr", accountHandler.MyQR)
	protected.POST("/admin/transfer", adminHandler.StartTransfer)
	protected.POST("/privacy", adminHandler.Privacy)
	protected.POST("/rename", adminHandler.Rename)
	protected.GET("/prefs", adminHandler.Prefs)
	protected.POST("/prefs", adminHandler.SetPrefs)
	protected.POST("/tokens", adminHandler.Tokens)
	protected.POST("/tenants/:id/unlock", middleware.RateLimitMiddleware(unlockLimiter, "unlock", m), filesHandler.Unlock)

	files := api.Group("/t/:id")
	files.Use(middleware.RequireSessionOrToken(deps.Gate, deps.Tenants, deps.Cookies))
	files.GET("/files", filesHandler.List)
	files.POST("/folders", filesHandler.Mkdir)
	files.POST("/delete", filesHandler.Delete)

	wsHandler := &handler.WebSocketHandler{
		Hub: deps.Hub, Tenants: deps.Tenants, Gate: deps.Gate,
		Logger: logger, PublicURL: deps.PublicURL,
	}
	r.GET("/ws", wsHandler.Serve)

	return r
}
