package core

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// 可疑行为权重
const (
	ScoreTokenIPMismatch   = 50  // 令牌与签发 IP 不符
	ScoreMissingToken      = 5   // 缺少令牌
	ScoreInvalidToken      = 15  // 无效令牌
	ScoreMinuteOverflow    = 20  // 每分钟超限
	ScoreHourOverflow      = 30  // 每小时超限
	ScoreSuspiciousUA      = 10  // 可疑 User-Agent
	ScoreSequentialPattern = 25  // 机械化的请求间隔
	ScoreDictionaryAccess  = 50  // 直接抓取词典
	ScoreHoneypot          = 100 // 命中蜜罐
)

const (
	requestWindow   = time.Hour        // 请求记录保留窗口
	minuteWindow    = time.Minute      // 分钟级限流窗口
	tokenTTL        = 5 * time.Minute  // 访问令牌有效期
	idleForget      = 24 * time.Hour   // 无活动 IP 遗忘时限
	sweepInterval   = 60 * time.Second // 后台清扫周期
	patternSamples  = 20               // 时序检测的采样窗口
	patternMinCount = 10               // 时序检测的最小样本数
)

// Decision 请求的处理结果
type Decision int

const (
	DecisionAllow Decision = iota
	DecisionRateLimited
	DecisionForbidden
)

// requestRecord 单次请求记录
type requestRecord struct {
	at        time.Time
	path      string
	userAgent string
}

// ipRecord 单个 IP 的追踪状态
type ipRecord struct {
	requests       []requestRecord
	tokens         map[string]struct{}
	suspicionScore int
	lastSeen       time.Time
}

// accessToken 反爬访问令牌，绑定签发 IP
type accessToken struct {
	ip         string
	issuedAt   time.Time
	usageCount int
}

// BanChecker 由持久化封禁库实现（管理端手工封禁）
type BanChecker interface {
	IsBanned(ip string) bool
}

// Guard 反爬守卫：按 IP 追踪请求、打可疑分、签发令牌、自动封禁。
// 策略命中时必须拒绝；内部异常时放行，不误伤正常流量。
type Guard struct {
	mu      sync.Mutex
	ips     map[string]*ipRecord
	blocked map[string]struct{}
	tokens  map[string]*accessToken
	buckets map[string]*rate.Limiter // (IP|path) → 令牌桶

	maxPerMinute   int
	maxPerHour     int
	blockThreshold int
	bucketMax      int // 每 (IP, path) 每分钟上限

	banStore BanChecker // 可为 nil
	onBlock  func(ip string)

	stop chan struct{}
}

// NewGuard 创建反爬守卫并启动后台清扫
func NewGuard(maxPerMinute, maxPerHour, blockThreshold, bucketMax int) *Guard {
	g := &Guard{
		ips:            make(map[string]*ipRecord),
		blocked:        make(map[string]struct{}),
		tokens:         make(map[string]*accessToken),
		buckets:        make(map[string]*rate.Limiter),
		maxPerMinute:   maxPerMinute,
		maxPerHour:     maxPerHour,
		blockThreshold: blockThreshold,
		bucketMax:      bucketMax,
		stop:           make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// SetBanStore 注入持久化封禁库
func (g *Guard) SetBanStore(store BanChecker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.banStore = store
}

// SetOnBlock 注册封禁回调（用于断开该 IP 的在线连接）
func (g *Guard) SetOnBlock(fn func(ip string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBlock = fn
}

// Stop 停止后台清扫
func (g *Guard) Stop() {
	close(g.stop)
}

// CheckRequest 过滤一次请求。token 可为空。
// 守卫内部出错时放行（fail-open），分数达到阈值时必须拒绝（fail-closed）。
func (g *Guard) CheckRequest(ip, path, userAgent, token string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ 反爬守卫内部错误，放行请求: %v", r)
			decision = DecisionAllow
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	// 持久化封禁与自动封禁都直接拒绝
	if g.banStore != nil && g.banStore.IsBanned(ip) {
		return DecisionForbidden
	}
	if _, ok := g.blocked[ip]; ok {
		return DecisionForbidden
	}

	now := time.Now()
	rec := g.ips[ip]
	if rec == nil {
		rec = &ipRecord{tokens: make(map[string]struct{})}
		g.ips[ip] = rec
	}
	rec.lastSeen = now

	// 剔除窗口外的旧请求
	cutoff := now.Add(-requestWindow)
	kept := rec.requests[:0]
	for _, r := range rec.requests {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	rec.requests = append(kept, requestRecord{at: now, path: path, userAgent: userAgent})

	// 令牌检查
	switch {
	case token == "":
		g.addScoreLocked(ip, rec, ScoreMissingToken, "missing token")
	default:
		tk, ok := g.tokens[token]
		switch {
		case !ok:
			g.addScoreLocked(ip, rec, ScoreInvalidToken, "invalid token")
		case tk.ip != ip:
			// 令牌跨 IP 使用即作废
			delete(g.tokens, token)
			g.addScoreLocked(ip, rec, ScoreTokenIPMismatch, "token IP mismatch")
		case now.Sub(tk.issuedAt) > tokenTTL:
			delete(g.tokens, token)
			g.addScoreLocked(ip, rec, ScoreInvalidToken, "expired token")
		default:
			tk.usageCount++
		}
	}

	// User-Agent 检查
	if isSuspiciousUserAgent(userAgent) {
		g.addScoreLocked(ip, rec, ScoreSuspiciousUA, "suspicious user-agent")
	}

	// 时序模式检查
	if g.detectSequentialPattern(rec) {
		g.addScoreLocked(ip, rec, ScoreSequentialPattern, "sequential timing")
	}

	// 频率检查
	minuteCount, hourCount := 0, len(rec.requests)
	minuteCutoff := now.Add(-minuteWindow)
	for _, r := range rec.requests {
		if r.at.After(minuteCutoff) {
			minuteCount++
		}
	}
	rateLimited := false
	if minuteCount > g.maxPerMinute {
		g.addScoreLocked(ip, rec, ScoreMinuteOverflow, "per-minute overflow")
		rateLimited = true
	}
	if hourCount > g.maxPerHour {
		g.addScoreLocked(ip, rec, ScoreHourOverflow, "per-hour overflow")
		rateLimited = true
	}

	// 打分可能刚触发封禁
	if _, ok := g.blocked[ip]; ok {
		return DecisionForbidden
	}
	if rateLimited {
		return DecisionRateLimited
	}

	// (IP, path) 粗粒度令牌桶
	key := ip + "|" + path
	bucket := g.buckets[key]
	if bucket == nil {
		bucket = rate.NewLimiter(rate.Limit(float64(g.bucketMax)/60.0), g.bucketMax)
		g.buckets[key] = bucket
	}
	if !bucket.Allow() {
		return DecisionRateLimited
	}

	return DecisionAllow
}

// AddSuspicion 外部打分入口（蜜罐、词典抓取等）
func (g *Guard) AddSuspicion(ip string, score int, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec := g.ips[ip]
	if rec == nil {
		rec = &ipRecord{tokens: make(map[string]struct{}), lastSeen: time.Now()}
		g.ips[ip] = rec
	}
	g.addScoreLocked(ip, rec, score, reason)
}

// addScoreLocked 加分并在达到阈值时封禁。调用方必须持有 g.mu。
func (g *Guard) addScoreLocked(ip string, rec *ipRecord, score int, reason string) {
	rec.suspicionScore += score
	if rec.suspicionScore >= g.blockThreshold {
		if _, already := g.blocked[ip]; !already {
			g.blocked[ip] = struct{}{}
			log.Printf("🚫 IP %s 可疑分 %d 达到阈值，已自动封禁 (%s)", ip, rec.suspicionScore, reason)
			if g.onBlock != nil {
				fn := g.onBlock
				go fn(ip)
			}
		}
	}
}

// detectSequentialPattern 最近 patternSamples 次请求的间隔：
// 均值 < 2s 且标准差 < 500ms 且样本数 ≥ patternMinCount 视为机械请求。
func (g *Guard) detectSequentialPattern(rec *ipRecord) bool {
	n := len(rec.requests)
	if n < patternMinCount+1 {
		return false
	}
	window := rec.requests
	if n > patternSamples {
		window = rec.requests[n-patternSamples:]
	}

	intervals := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		intervals = append(intervals, float64(window[i].at.Sub(window[i-1].at).Milliseconds()))
	}
	if len(intervals) < patternMinCount {
		return false
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(len(intervals)))

	return mean < 2000 && stddev < 500
}

// GenerateToken 为 IP 签发 256 位访问令牌
func (g *Guard) GenerateToken(ip string) string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	token := hex.EncodeToString(buf)

	g.mu.Lock()
	defer g.mu.Unlock()

	g.tokens[token] = &accessToken{ip: ip, issuedAt: time.Now()}
	if rec := g.ips[ip]; rec != nil {
		rec.tokens[token] = struct{}{}
	}
	return token
}

// IsBlocked IP 是否处于自动封禁
func (g *Guard) IsBlocked(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.blocked[ip]
	return ok
}

// Unblock 管理端解除自动封禁并清零分数
func (g *Guard) Unblock(ip string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocked, ip)
	if rec := g.ips[ip]; rec != nil {
		rec.suspicionScore = 0
	}
	log.Printf("🔓 IP %s 已解除封禁", ip)
}

// BlockedIPs 返回当前封禁列表
func (g *Guard) BlockedIPs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blocked))
	for ip := range g.blocked {
		out = append(out, ip)
	}
	return out
}

// GuardStats 管理端统计
type GuardStats struct {
	TrackedIPs   int            `json:"trackedIps"`
	BlockedIPs   int            `json:"blockedIps"`
	ActiveTokens int            `json:"activeTokens"`
	TopScores    map[string]int `json:"topScores"`
}

// Stats 返回当前追踪状态
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	top := make(map[string]int)
	for ip, rec := range g.ips {
		if rec.suspicionScore > 0 {
			top[ip] = rec.suspicionScore
		}
	}
	return GuardStats{
		TrackedIPs:   len(g.ips),
		BlockedIPs:   len(g.blocked),
		ActiveTokens: len(g.tokens),
		TopScores:    top,
	}
}

// sweepLoop 固定节奏的后台清扫：分数衰减、解封、遗忘、令牌过期
func (g *Guard) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep 单次清扫。兜底 recover：清扫协程炸了也不能带走进程。
func (g *Guard) sweep() {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("⚠️ 反爬清扫异常: %v", rec)
		}
	}()

	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.ips {
		if rec.suspicionScore > 0 {
			rec.suspicionScore--
		}
		// 分数降到阈值一半以下时解封
		if rec.suspicionScore < g.blockThreshold/2 {
			delete(g.blocked, ip)
		}
		// 遗忘长期无活动的 IP
		if now.Sub(rec.lastSeen) > idleForget {
			for tk := range rec.tokens {
				delete(g.tokens, tk)
			}
			delete(g.ips, ip)
			delete(g.blocked, ip)
		}
	}

	for token, tk := range g.tokens {
		if now.Sub(tk.issuedAt) > tokenTTL {
			delete(g.tokens, token)
		}
	}
}

// isSuspiciousUserAgent 常见抓取工具特征
func isSuspiciousUserAgent(ua string) bool {
	if ua == "" {
		return true
	}
	patterns := []string{"curl", "wget", "python", "scrapy", "httpclient", "go-http-client", "bot", "spider", "crawler"}
	lower := strings.ToLower(ua)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
