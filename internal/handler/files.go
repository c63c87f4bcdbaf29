package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"

	"dropshelf-server/internal/access"
	"dropshelf-server/internal/hub"
	"dropshelf-server/internal/middleware"
	"dropshelf-server/internal/tenant"
	"github.com/gin-gonic/gin"
)

// FilesHandler is the storage surface. Every caller path goes through the
// access gate, which resolves it inside the tenant root.
type FilesHandler struct {
	Tenants *tenant.Registry
	Gate    *access.Gate
	Hub     *hub.Hub
	Cookies middleware.Cookies
	Logger  *slog.Logger
}

type unlockBody struct {
	Password string `json:"password"`
}

// Unlock records a private tenant as unlocked in this browser's session.
func (h *FilesHandler) Unlock(c *gin.Context) {
	if _, ok := identity(c); !ok {
		return
	}
	var body unlockBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	tenantID := c.Param("id")
	sess, decision, err := h.Gate.Unlock(tenantID, middleware.SessionFromContext(c), body.Password)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	switch decision {
	case access.Allowed:
		if err := h.Cookies.SetSession(c, sess); err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": decision.String()})
	case access.WrongPassword:
		c.JSON(http.StatusForbidden, gin.H{"error": "Wrong password", "status": decision.String()})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}
}

func (h *FilesHandler) authorize(c *gin.Context) (access.Identity, string, bool) {
	id, ok := identity(c)
	if !ok {
		return id, "", false
	}
	tenantID := c.Param("id")
	if id.DeviceID == "" {
		// API token callers are confined to their own tenant.
		if tenantID != id.TenantID {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return id, "", false
		}
		return id, tenantID, true
	}
	switch h.Gate.CheckTenantAccess(tenantID, middleware.SessionFromContext(c)) {
	case access.Allowed:
		return id, tenantID, true
	case access.NeedsPassword:
		c.JSON(http.StatusForbidden, gin.H{"error": "Password required", "needsPassword": true})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}
	return id, "", false
}

type fileEntry struct {
	Name     string `json:"name"`
	Dir      bool   `json:"dir"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"`
}

func (h *FilesHandler) List(c *gin.Context) {
	_, tenantID, ok := h.authorize(c)
	if !ok {
		return
	}
	dir, err := h.Gate.ResolvePath(tenantID, c.Query("path"))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return
	}
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}

	out := make([]fileEntry, 0, len(entries))
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fileEntry{
			Name:     e.Name(),
			Dir:      e.IsDir(),
			Size:     info.Size(),
			Modified: info.ModTime().UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dir != out[j].Dir {
			return out[i].Dir
		}
		return out[i].Name < out[j].Name
	})
	c.JSON(http.StatusOK, gin.H{"tenant": tenantID, "path": c.Query("path"), "entries": out})
}

type folderBody struct {
	Path string `json:"path"`
}

// Mkdir creates a folder. Writes are confined to the caller's own tenant.
func (h *FilesHandler) Mkdir(c *gin.Context) {
	id, tenantID, ok := h.authorize(c)
	if !ok {
		return
	}
	var body folderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	dest, ok := h.destination(c, id, tenantID, body.Path)
	if !ok {
		return
	}
	if err := os.MkdirAll(dest, 0o750); err != nil {
		writeError(c, h.Logger, err)
		return
	}
	h.changed(tenantID, body.Path)
	c.JSON(http.StatusCreated, gin.H{"success": true})
}

type deleteBody struct {
	Paths []string `json:"paths"`
}

func (h *FilesHandler) Delete(c *gin.Context) {
	id, tenantID, ok := h.authorize(c)
	if !ok {
		return
	}
	var body deleteBody
	if err := c.ShouldBindJSON(&body); err != nil || len(body.Paths) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if err := h.Gate.RequireDeletePermission(tenantID, id.DeviceID); err != nil {
		writeError(c, h.Logger, err)
		return
	}

	targets := make([]string, 0, len(body.Paths))
	for _, p := range body.Paths {
		dest, ok := h.destination(c, id, tenantID, p)
		if !ok {
			return
		}
		targets = append(targets, dest)
	}
	deleted := 0
	for _, dest := range targets {
		if _, err := os.Lstat(dest); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := os.RemoveAll(dest); err != nil {
			writeError(c, h.Logger, err)
			return
		}
		deleted++
	}
	h.changed(tenantID, "")
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": deleted})
}

// destination resolves rel below tenantID, requiring tenantID to be the
// caller's own tenant and rel to name something other than the root.
func (h *FilesHandler) destination(c *gin.Context, id access.Identity, tenantID, rel string) (string, bool) {
	dest, err := h.Gate.ResolveTenantPath(id.TenantID, tenantID+"/"+rel)
	if err != nil {
		writeError(c, h.Logger, err)
		return "", false
	}
	root, err := h.Gate.ResolvePath(tenantID, "")
	if err != nil {
		writeError(c, h.Logger, err)
		return "", false
	}
	if dest == root {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid path"})
		return "", false
	}
	return dest, true
}

func (h *FilesHandler) changed(tenantID, rel string) {
	if t, err := h.Tenants.Get(tenantID); err == nil {
		h.Hub.Notify(hub.TenantKey(t.UID), gin.H{"type": "files_changed", "path": rel})
	}
}
