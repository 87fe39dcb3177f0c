package httpapi

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/server/core"
	"github.com/croquemot/croquemot/internal/server/storage"
)

// mountAdmin 管理端与员工路由
func (a *API) mountAdmin(router *gin.Engine) {
	// 登录本身不需要管理权限
	router.POST("/staff/login", a.handleStaffLogin)

	admin := router.Group("/admin")
	admin.Use(a.adminAuthMiddleware())
	{
		admin.POST("/add-word", a.handleAddWord)
		admin.POST("/remove-word", a.handleRemoveWord)

		admin.GET("/antiscraping/stats", a.handleGuardStats)
		admin.GET("/antiscraping/blocked-ips", a.handleBlockedIPs)
		admin.POST("/antiscraping/unblock", a.handleUnblock)

		admin.GET("/users", a.handleUsers)

		admin.POST("/ban", a.handleBan)
		admin.DELETE("/ban/:ip", a.handleUnban)
	}

	staff := router.Group("/staff")
	staff.Use(a.adminAuthMiddleware())
	{
		staff.GET("", a.handleStaffList)
		staff.POST("", a.handleStaffCreate)
		staff.DELETE("/:username", a.handleStaffDelete)
	}
}

// adminAuthMiddleware 管理鉴权：静态令牌或 admin 角色的员工会话。
// ADMIN_TOKEN 为空即开发模式，全部放行。
// 鉴权失败不透露资源是否存在。
func (a *API) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.deps.Config.IsDevMode() {
			c.Next()
			return
		}

		if token := c.GetHeader("x-admin-token"); token != "" && token == a.deps.Config.Admin.Token {
			c.Next()
			return
		}

		if staffToken := c.GetHeader("x-staff-token"); staffToken != "" {
			account, ok := a.deps.Staff.Resolve(c.Request.Context(), staffToken)
			if ok && account.Role == storage.RoleAdmin {
				c.Next()
				return
			}
		}

		log.Printf("🔐 管理接口鉴权失败: %s %s (IP: %s)",
			c.Request.Method, c.Request.URL.Path, core.GetClientIP(c.Request))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

type wordRequest struct {
	Word string `json:"word" binding:"required"`
}

// handleAddWord 加词：先落盘，再全量重建索引。
// 落盘成功但重建失败时返回成功并附带 rebuild_failed 警告。
func (a *API) handleAddWord(c *gin.Context) {
	var req wordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing word"})
		return
	}

	path := a.deps.Config.Dictionary.Path
	if err := dictionary.AddWordToFile(path, req.Word); err != nil {
		status := http.StatusInternalServerError
		code := "io_error"
		if errors.Is(err, dictionary.ErrNotFound) {
			status, code = http.StatusNotFound, "not_found"
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	if err := a.deps.Rebuild(); err != nil {
		log.Printf("⚠️ 加词后索引重建失败: %v", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "warning": "rebuild_failed"})
		return
	}
	log.Printf("📝 词典新增 %q", dictionary.Normalize(req.Word))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleRemoveWord 删词，同样先落盘再重建
func (a *API) handleRemoveWord(c *gin.Context) {
	var req wordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing word"})
		return
	}

	path := a.deps.Config.Dictionary.Path
	removed, err := dictionary.RemoveWordFromFile(path, req.Word)
	if err != nil {
		status := http.StatusInternalServerError
		code := "io_error"
		if errors.Is(err, dictionary.ErrNotFound) {
			status, code = http.StatusNotFound, "not_found"
		}
		c.JSON(status, gin.H{"error": code})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	if err := a.deps.Rebuild(); err != nil {
		log.Printf("⚠️ 删词后索引重建失败: %v", err)
		c.JSON(http.StatusOK, gin.H{"ok": true, "warning": "rebuild_failed"})
		return
	}
	log.Printf("📝 词典移除 %q", dictionary.Normalize(req.Word))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleGuardStats 反爬统计
func (a *API) handleGuardStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.deps.Guard.Stats())
}

// handleBlockedIPs 自动封禁列表
func (a *API) handleBlockedIPs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"blocked": a.deps.Guard.BlockedIPs()})
}

type ipRequest struct {
	IP     string `json:"ip" binding:"required"`
	Reason string `json:"reason"`
}

// handleUnblock 解除自动封禁
func (a *API) handleUnblock(c *gin.Context) {
	var req ipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing ip"})
		return
	}
	a.deps.Guard.Unblock(req.IP)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleUsers 用户访问日志
func (a *API) handleUsers(c *gin.Context) {
	records, err := a.deps.UserLog.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": records})
}

// handleBan 持久封禁 IP 并断开其在线连接
func (a *API) handleBan(c *gin.Context) {
	var req ipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing ip"})
		return
	}

	if err := a.deps.Bans.Ban(c.Request.Context(), req.IP, req.Reason, "admin"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	a.deps.Evictor.EvictIP(req.IP, "banned")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleUnban 解除持久封禁
func (a *API) handleUnban(c *gin.Context) {
	ip := c.Param("ip")
	if err := a.deps.Bans.Unban(c.Request.Context(), ip); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// --- 员工账号 ---

type staffLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// handleStaffLogin 员工登录，返回会话令牌
func (a *API) handleStaffLogin(c *gin.Context) {
	var req staffLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing credentials"})
		return
	}

	token, err := a.deps.Staff.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// handleStaffList 员工列表
func (a *API) handleStaffList(c *gin.Context) {
	accounts, err := a.deps.Staff.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"staff": accounts})
}

type staffCreateRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

// handleStaffCreate 新建员工
func (a *API) handleStaffCreate(c *gin.Context) {
	var req staffCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing fields"})
		return
	}

	if err := a.deps.Staff.Create(c.Request.Context(), req.Username, req.Password, req.Role); err != nil {
		if errors.Is(err, storage.ErrStaffExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleStaffDelete 删除员工
func (a *API) handleStaffDelete(c *gin.Context) {
	if err := a.deps.Staff.Delete(c.Request.Context(), c.Param("username")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
