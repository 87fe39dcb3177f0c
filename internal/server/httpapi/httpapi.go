package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/croquemot/croquemot/internal/config"
	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/server/core"
	"github.com/croquemot/croquemot/internal/server/storage"
)

// Evictor 断开指定 IP 在线连接的能力（封禁传播）
type Evictor interface {
	EvictIP(ip, reason string)
}

// Deps HTTP 层依赖
type Deps struct {
	Config  *config.Config
	Dict    *dictionary.Index
	Guard   *core.Guard
	Staff   *storage.StaffManager
	Bans    *storage.BanManager
	UserLog *storage.UserLog
	Evictor Evictor
	Rebuild func() error
}

// API HTTP 接口层
type API struct {
	deps Deps
}

// New 创建接口层
func New(deps Deps) *API {
	return &API{deps: deps}
}

// Mount 挂载全部路由
func (a *API) Mount(router *gin.Engine) {
	router.Use(a.corsMiddleware())

	api := router.Group("")
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	api.Use(a.guardMiddleware())
	{
		api.GET("/token", a.handleToken)
		api.GET("/syllable-stats", a.handleSyllableStats)
		api.GET("/words-by-syllable", a.handleWordsBySyllable)
		api.GET("/validate", a.handleValidate)
		api.GET("/top-syllables", a.handleTopSyllables)
		api.GET("/search", a.handleSearch)

		// 蜜罐：命中即打满分并返回合成数据
		api.GET("/words.json", a.handleHoneypot)
		api.GET("/full-list", a.handleHoneypot)
		// 词典抓取路径：打分并装作不存在
		api.GET("/dictionary.txt", a.handleDictionaryDownload)
		api.GET("/dictionary/download", a.handleDictionaryDownload)
	}

	a.mountAdmin(router)
}

// corsMiddleware 按配置回写 CORS 头
func (a *API) corsMiddleware() gin.HandlerFunc {
	origins := a.deps.Config.Server.CORSOrigins
	allowAll := len(origins) == 1 && origins[0] == "*"
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.ToLower(o)] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[strings.ToLower(origin)]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, x-admin-token, x-staff-token, x-access-token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// guardMiddleware 反爬过滤。守卫故障时放行，策略命中时拒绝。
func (a *API) guardMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := core.GetClientIP(c.Request)
		token := c.GetHeader("x-access-token")
		if token == "" {
			token = c.Query("token")
		}

		switch a.deps.Guard.CheckRequest(ip, c.FullPath(), c.Request.UserAgent(), token) {
		case core.DecisionForbidden:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case core.DecisionRateLimited:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		default:
			c.Next()
		}
	}
}

// requireReady 索引未就绪时统一回 503
func (a *API) requireReady(c *gin.Context) bool {
	if !a.deps.Dict.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return false
	}
	return true
}

// handleToken 签发反爬访问令牌
func (a *API) handleToken(c *gin.Context) {
	ip := core.GetClientIP(c.Request)
	token := a.deps.Guard.GenerateToken(ip)
	if token == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "io_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "ttl": 300})
}

// handleSyllableStats 长度 L 的音节→词数表
func (a *API) handleSyllableStats(c *gin.Context) {
	if !a.requireReady(c) {
		return
	}
	length := parseIntDefault(c.Query("length"), 2)
	counts := a.deps.Dict.CountsForLength(length)
	if counts == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid length"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"length": length, "stats": counts})
}

// handleWordsBySyllable 某音节的示例单词
func (a *API) handleWordsBySyllable(c *gin.Context) {
	if !a.requireReady(c) {
		return
	}
	syl := c.Query("syl")
	if syl == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing syl"})
		return
	}
	length := parseIntDefault(c.Query("length"), len([]rune(syl)))
	limit := parseIntDefault(c.Query("limit"), a.deps.Config.Dictionary.SampleCap)

	words := a.deps.Dict.SamplesFor(length, syl, limit)
	c.JSON(http.StatusOK, gin.H{
		"syllable": dictionary.Normalize(syl),
		"count":    a.deps.Dict.CountFor(syl),
		"words":    words,
	})
}

// handleValidate 单词是否在词典中
func (a *API) handleValidate(c *gin.Context) {
	if !a.requireReady(c) {
		return
	}
	word := c.Query("word")
	if word == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing word"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": a.deps.Dict.Contains(word)})
}

// handleTopSyllables 计数最高的音节
func (a *API) handleTopSyllables(c *gin.Context) {
	if !a.requireReady(c) {
		return
	}
	length := parseIntDefault(c.Query("length"), 2)
	limit := parseIntDefault(c.Query("limit"), 20)
	top := a.deps.Dict.TopSyllables(length, limit)
	if top == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid length"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"length": length, "syllables": top})
}

// handleSearch 先按音节快查，不行再退化到扫描
func (a *API) handleSearch(c *gin.Context) {
	if !a.requireReady(c) {
		return
	}
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing q"})
		return
	}
	limit := parseIntDefault(c.Query("limit"), 20)

	normalized := dictionary.Normalize(q)
	runes := len([]rune(normalized))
	if runes >= dictionary.MinSyllableLen && runes <= dictionary.MaxSyllableLen {
		if words := a.deps.Dict.SamplesFor(runes, normalized, limit); len(words) > 0 {
			c.JSON(http.StatusOK, gin.H{"query": normalized, "words": words})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"query": normalized, "words": a.deps.Dict.ScanContaining(normalized, limit)})
}

// handleHoneypot 蜜罐：返回像样但全假的数据
func (a *API) handleHoneypot(c *gin.Context) {
	ip := core.GetClientIP(c.Request)
	a.deps.Guard.AddSuspicion(ip, core.ScoreHoneypot, "honeypot "+c.FullPath())

	c.JSON(http.StatusOK, gin.H{
		"version": "1.3.2",
		"words":   []string{"BONJOUR", "MAISON", "JARDIN", "SOLEIL", "MUSIQUE"},
		"total":   5,
	})
}

// handleDictionaryDownload 词典抓取企图：打分并返回 404
func (a *API) handleDictionaryDownload(c *gin.Context) {
	ip := core.GetClientIP(c.Request)
	a.deps.Guard.AddSuspicion(ip, core.ScoreDictionaryAccess, "dictionary download")
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
