package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/croquemot/croquemot/internal/config"
	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/logger"
	"github.com/croquemot/croquemot/internal/protocol"
	"github.com/croquemot/croquemot/internal/server/core"
	"github.com/croquemot/croquemot/internal/server/game"
	"github.com/croquemot/croquemot/internal/server/handlers"
	"github.com/croquemot/croquemot/internal/server/httpapi"
	"github.com/croquemot/croquemot/internal/server/session"
	"github.com/croquemot/croquemot/internal/server/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 来源在升级前由 originChecker 校验
	},
	// 协商 permessage-deflate，写入端按消息大小决定是否真正压缩
	EnableCompression: true,
}

// Server 词爆服务器：单进程持有全部房间的唯一权威
type Server struct {
	config *config.Config
	redis  *redis.Client

	store    *storage.RedisStore
	staff    *storage.StaffManager
	bans     *storage.BanManager
	userLog  *storage.UserLog
	dict     *dictionary.Index
	sessions *session.Registry
	rooms    *game.Manager
	handler  *handlers.Handler

	// 安全组件
	guard          *core.Guard
	originChecker  *core.OriginChecker
	messageLimiter *core.MessageRateLimiter

	clients   map[string]*Client // socketID → client
	clientsMu sync.RWMutex

	// 连接控制
	semaphore chan struct{}

	httpServer *http.Server
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config) (*Server, error) {
	// 初始化 Redis 客户端
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis 连接失败: %w", err)
	}

	store := storage.NewRedisStore(rdb)

	staff := storage.NewStaffManager(store)
	if err := staff.SeedAdmin(ctx, cfg.Admin.Password); err != nil {
		return nil, fmt.Errorf("初始化员工账号失败: %w", err)
	}

	bans, err := storage.NewBanManager(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("加载封禁表失败: %w", err)
	}

	s := &Server{
		config:   cfg,
		redis:    rdb,
		store:    store,
		staff:    staff,
		bans:     bans,
		userLog:  storage.NewUserLog(store),
		dict:     dictionary.New(cfg.Dictionary.SampleCap),
		sessions: session.NewRegistry(),
		clients:  make(map[string]*Client),
		guard: core.NewGuard(
			cfg.Security.MaxPerMinute,
			cfg.Security.MaxPerHour,
			cfg.Security.BlockThreshold,
			cfg.Security.RateLimitMax,
		),
		originChecker:  core.NewOriginChecker(cfg.Server.CORSOrigins),
		messageLimiter: core.NewMessageRateLimiter(cfg.Security.MessagePerSec),
		semaphore:      make(chan struct{}, cfg.Server.MaxConnections),
	}

	s.guard.SetBanStore(bans)
	s.guard.SetOnBlock(func(ip string) {
		s.EvictIP(ip, "forbidden")
	})

	s.rooms = game.NewManager(s, s.dict, cfg)
	s.handler = handlers.NewHandler(s)

	if s.originChecker.AllowAll() && !cfg.IsDevMode() {
		log.Printf("⚠️ CORS_ORIGIN=* 在生产环境下不安全")
	}
	if cfg.IsDevMode() {
		log.Printf("🔧 开发模式：管理接口未鉴权 (ADMIN_TOKEN 为空)")
	}

	return s, nil
}

// Start 启动服务器（阻塞）
func (s *Server) Start() error {
	// 词典异步构建，构建期间 HTTP 查询返回 503 {ready:false}
	go func() {
		result, err := s.dict.BuildFrom(s.config.Dictionary.Path)
		if err != nil {
			log.Printf("❌ 词典构建失败: %v", err)
			return
		}
		log.Printf("📚 词典就绪，共 %d 行", result.LinesProcessed)
	}()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := httpapi.New(httpapi.Deps{
		Config:  s.config,
		Dict:    s.dict,
		Guard:   s.guard,
		Staff:   s.staff,
		Bans:    s.bans,
		UserLog: s.userLog,
		Evictor: s,
		Rebuild: s.RebuildIndex,
	})
	api.Mount(router)

	router.GET("/ws", gin.WrapF(s.handleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	go s.monitorStats()

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	log.Printf("🚀 服务器启动在 http://%s (ws://%s/ws, CPU核心数: %d)", addr, addr, runtime.NumCPU())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second, // 防止 Slowloris 攻击
		IdleTimeout:       60 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// handleWebSocket 处理 WebSocket 升级
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := core.GetClientIP(r)

	// 反爬过滤
	switch s.guard.CheckRequest(clientIP, "/ws", r.UserAgent(), r.URL.Query().Get("token")) {
	case core.DecisionForbidden:
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	case core.DecisionRateLimited:
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	// 连接数限制检查
	select {
	case s.semaphore <- struct{}{}:
	default:
		log.Printf("🚫 达到最大连接数限制 (%d), IP: %s", s.config.Server.MaxConnections, clientIP)
		http.Error(w, "Server Full", http.StatusServiceUnavailable)
		return
	}

	// 来源验证
	if !s.originChecker.Check(r) {
		<-s.semaphore
		log.Printf("🚫 来源验证失败: %s (IP: %s)", r.Header.Get("Origin"), clientIP)
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		<-s.semaphore
		log.Printf("WebSocket 升级失败: %v", err)
		return
	}

	client := NewClient(s, conn)
	client.IP = clientIP
	s.registerClient(client)

	log.Printf("✅ 连接 %s (IP: %s) 已建立", client.ID, clientIP)

	go client.ReadPump()
	go client.WritePump()
}

// registerClient 注册客户端
func (s *Server) registerClient(client *Client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[client.ID] = client
}

// onSocketClosed 传输断开：解绑 socket、启动分级宽限流程。
// 此刻不广播任何消息。
func (s *Server) onSocketClosed(c *Client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c.ID]; ok {
		delete(s.clients, c.ID)
		<-s.semaphore
	}
	s.clientsMu.Unlock()

	s.messageLimiter.RemoveClient(c.ID)

	sess := s.sessions.Unregister(c.ID)
	if sess == nil {
		return
	}
	log.Printf("❌ 连接 %s 已断开", c.ID)

	roomID := sess.GetRoomID()
	if roomID == "" {
		return
	}

	// 代际值由回调捕获：期间有新连接则回调作废
	gen := sess.Generation()
	token := sess.Token
	time.AfterFunc(s.config.Game.DisconnectGraceDuration(), func() {
		s.disconnectStageTwo(token, roomID, gen)
	})
}

// recoverStage 宽限回调的兜底：进程不退出，出事的房间尽力恢复计时。
func (s *Server) recoverStage(where, roomID string) {
	if rec := recover(); rec != nil {
		logger.LogPanic(rec)
		log.Printf("💥 房间 %s 宽限回调(%s)异常，尝试恢复", roomID, where)
		if room := s.rooms.GetRoom(roomID); room != nil {
			room.TryRecover()
		}
	}
}

// disconnectStageTwo 宽限期后仍未重连：标记掉线，
// 当前回合玩家则暂停游戏，并预约最终踢出。
func (s *Server) disconnectStageTwo(token, roomID string, gen time.Time) {
	defer s.recoverStage("掉线宽限", roomID)

	sess := s.sessions.GetSessionByToken(token)
	if sess == nil {
		return
	}
	socketID, _, lastDisconnect := sess.Snapshot()
	if socketID != "" || !lastDisconnect.Equal(gen) {
		return // 已重连，或这是旧的断开事件
	}

	room, isCurrent := s.rooms.MarkDisconnected(roomID, token)
	if room == nil {
		return
	}

	if isCurrent {
		room.Pause("joueur déconnecté")
	}
	room.Broadcast(protocol.MustNewMessage(protocol.MsgPlayerDisconnected, protocol.PlayerConnectionPayload{
		Token:      token,
		PlayerName: room.PlayerName(token),
		GamePaused: isCurrent,
	}))
	log.Printf("📴 玩家 %s 在房间 %s 中掉线", token, roomID)

	time.AfterFunc(s.config.Game.EvictionGraceDuration(), func() {
		s.disconnectStageThree(token, roomID, gen)
	})
}

// disconnectStageThree 踢出等待也耗尽：回合越过该玩家、
// 恢复计时、执行离开。
func (s *Server) disconnectStageThree(token, roomID string, gen time.Time) {
	defer s.recoverStage("踢出检查", roomID)

	sess := s.sessions.GetSessionByToken(token)
	if sess == nil {
		return
	}
	socketID, _, lastDisconnect := sess.Snapshot()
	if socketID != "" || !lastDisconnect.Equal(gen) {
		return
	}

	playerName := ""
	if room := s.rooms.GetRoom(roomID); room != nil {
		playerName = room.PlayerName(token)
	}

	room, deleted, newHost := s.rooms.EvictPlayer(roomID, token)
	sess.SetRoomID("")
	if room == nil {
		return
	}
	log.Printf("🚪 玩家 %s 重连超时，已从房间 %s 移除", token, roomID)

	if !deleted {
		room.Broadcast(protocol.MustNewMessage(protocol.MsgPlayerLeft, protocol.PlayerLeftPayload{
			Token:      token,
			PlayerName: playerName,
			NewHost:    newHost,
		}))
	}
	s.BroadcastRoomsList()
}

// SendToSocket 把消息投递到指定 socket（实现 game.Sender）
func (s *Server) SendToSocket(socketID string, msg *protocol.Message) {
	s.clientsMu.RLock()
	client := s.clients[socketID]
	s.clientsMu.RUnlock()

	if client != nil {
		client.SendMessage(msg)
	}
}

// BroadcastRoomsList 把房间列表推给大厅里的客户端（不在房间的）
func (s *Server) BroadcastRoomsList() {
	msg := protocol.MustNewMessage(protocol.MsgRoomsList, protocol.RoomsListPayload{
		Rooms: s.rooms.GetPublicRooms(),
	})

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for _, client := range s.clients {
		token := client.GetToken()
		if token == "" {
			client.SendMessage(msg)
			continue
		}
		sess := s.sessions.GetSessionByToken(token)
		if sess == nil || sess.GetRoomID() == "" {
			client.SendMessage(msg)
		}
	}
}

// EvictIP 断开某个 IP 的全部连接（封禁传播，实现 httpapi.Evictor）
func (s *Server) EvictIP(ip, reason string) {
	s.clientsMu.RLock()
	var evicted []*Client
	for _, client := range s.clients {
		if client.IP == ip {
			evicted = append(evicted, client)
		}
	}
	s.clientsMu.RUnlock()

	for _, client := range evicted {
		client.SendMessage(protocol.MustNewMessage(protocol.MsgBanned, protocol.BannedPayload{Reason: reason}))
		client.Close()
	}
	if len(evicted) > 0 {
		log.Printf("⛔ 已断开 IP %s 的 %d 条连接", ip, len(evicted))
	}
}

// RebuildIndex 全量重建词典索引（管理端加词/删词后触发）。
// 失败时旧索引保持可用。
func (s *Server) RebuildIndex() error {
	_, err := s.dict.BuildFrom(s.config.Dictionary.Path)
	return err
}

// GetOnlineCount 当前在线连接数
func (s *Server) GetOnlineCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// monitorStats 定期监控服务器状态
func (s *Server) monitorStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		log.Printf("📊 [监控] 在线: %d | 房间: %d | 会话: %d | Goroutines: %d | 内存: %.2f MB",
			s.GetOnlineCount(),
			s.rooms.RoomCount(),
			s.sessions.Count(),
			runtime.NumGoroutine(),
			float64(m.Alloc)/1024/1024)
	}
}

// Shutdown 优雅关闭
func (s *Server) Shutdown() {
	log.Println("⏳ 正在关闭服务器...")

	s.guard.Stop()
	s.sessions.Stop()
	s.rooms.Stop()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	_ = s.redis.Close()
	log.Println("✅ 服务器已关闭")
}

// --- handlers.ServerContext ---

// GetConfig 配置
func (s *Server) GetConfig() *config.Config { return s.config }

// GetDictionary 词典索引
func (s *Server) GetDictionary() *dictionary.Index { return s.dict }

// GetSessions 会话注册表
func (s *Server) GetSessions() *session.Registry { return s.sessions }

// GetRooms 房间注册表
func (s *Server) GetRooms() *game.Manager { return s.rooms }

// GetStaff 员工管理
func (s *Server) GetStaff() *storage.StaffManager { return s.staff }

// GetUserLog 用户日志
func (s *Server) GetUserLog() *storage.UserLog { return s.userLog }
