package core

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// --- 来源验证 ---

// OriginChecker 来源验证器
type OriginChecker struct {
	allowedOrigins map[string]bool
	allowAll       bool
}

// NewOriginChecker 创建来源验证器
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{
		allowedOrigins: make(map[string]bool),
	}

	for _, origin := range origins {
		if origin == "*" {
			oc.allowAll = true
			return oc
		}
		oc.allowedOrigins[strings.ToLower(origin)] = true
	}

	return oc
}

// Check 检查来源是否允许
func (oc *OriginChecker) Check(r *http.Request) bool {
	if oc.allowAll {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// 没有 Origin 头，可能是同源请求或本地客户端
		return true
	}

	return oc.allowedOrigins[strings.ToLower(origin)]
}

// AllowAll 是否允许所有来源
func (oc *OriginChecker) AllowAll() bool {
	return oc.allowAll
}

// --- 辅助函数 ---

// GetClientIP 获取客户端真实 IP
func GetClientIP(r *http.Request) string {
	// 检查代理头
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		// 取第一个 IP（最原始的客户端）
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	// 从连接中获取
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// --- 消息速率限制 ---

// MessageRateLimiter 消息速率限制器（针对已连接的客户端）。
// 每个 socket 一个令牌桶，与 HTTP 侧的 (IP, path) 限流共用 x/time/rate。
type MessageRateLimiter struct {
	limits map[string]*socketRate
	mu     sync.Mutex

	maxPerSecond int
}

type socketRate struct {
	bucket   *rate.Limiter
	warnings int // 警告次数
}

// NewMessageRateLimiter 创建消息速率限制器
func NewMessageRateLimiter(maxPerSecond int) *MessageRateLimiter {
	return &MessageRateLimiter{
		limits:       make(map[string]*socketRate),
		maxPerSecond: maxPerSecond,
	}
}

// AllowMessage 检查是否允许发送消息。
// 桶余量跌破一半时提前警告，让客户端在被掐断前放慢速度。
func (ml *MessageRateLimiter) AllowMessage(socketID string) (allowed bool, warning bool) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	sr, exists := ml.limits[socketID]
	if !exists {
		sr = &socketRate{
			bucket: rate.NewLimiter(rate.Limit(ml.maxPerSecond), ml.maxPerSecond),
		}
		ml.limits[socketID] = sr
	}

	if !sr.bucket.Allow() {
		sr.warnings++
		return false, true
	}
	if sr.bucket.Tokens() < float64(ml.maxPerSecond)/2 {
		return true, true
	}
	return true, false
}

// GetWarningCount 获取警告次数
func (ml *MessageRateLimiter) GetWarningCount(socketID string) int {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	sr, exists := ml.limits[socketID]
	if !exists {
		return 0
	}
	return sr.warnings
}

// RemoveClient 移除客户端记录
func (ml *MessageRateLimiter) RemoveClient(socketID string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.limits, socketID)
}
