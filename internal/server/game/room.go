package game

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/croquemot/croquemot/internal/apperrors"
	"github.com/croquemot/croquemot/internal/config"
	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/logger"
	"github.com/croquemot/croquemot/internal/protocol"
)

// GameState 房间状态
type GameState string

const (
	StateLobby    GameState = "lobby"
	StatePlaying  GameState = "playing"
	StateFinished GameState = "finished" // 瞬态，endGame 立即回到 lobby
)

// Sender 由传输层实现，负责把消息投递到 socket
type Sender interface {
	SendToSocket(socketID string, msg *protocol.Message)
}

// Player 房间内的玩家
type Player struct {
	Token        string
	SocketID     string
	Name         string
	Avatar       string
	IsHost       bool
	IsReady      bool
	Lives        int
	WordsFound   int
	IsAlive      bool
	Disconnected bool // 传输断开 ≥ 宽限期后才置位
}

// Info 转为对外的玩家信息
func (p *Player) Info() protocol.PlayerInfo {
	return protocol.PlayerInfo{
		Token:        p.Token,
		SocketID:     p.SocketID,
		Name:         p.Name,
		Avatar:       p.Avatar,
		IsHost:       p.IsHost,
		IsReady:      p.IsReady,
		Lives:        p.Lives,
		WordsFound:   p.WordsFound,
		IsAlive:      p.IsAlive,
		Disconnected: p.Disconnected,
	}
}

// leftSnapshot 中途离开的玩家快照，保留一段时间供重新加入恢复
type leftSnapshot struct {
	player Player
	leftAt time.Time
}

// GameData 一局游戏的运行状态
type GameData struct {
	CurrentSyllable       string
	CurrentSyllableCount  int
	CurrentPlayerIndex    int
	RoundNumber           int
	StartTime             time.Time
	TimerTotal            time.Duration
	Paused                bool
	PausedRemaining       time.Duration
	UsedSyllables         map[string]struct{}
	TrainAllowed          map[string]struct{}
	ServerControlledUntil time.Time

	// 计时器内部状态（见 timer.go）
	timerDeadline time.Time
	timerGen      uint64
	turnTimer     *time.Timer
	tickStop      chan struct{}

	// 提交节流：token → 上次提交时间
	lastSubmit map[string]time.Time
}

// Room 游戏房间。所有字段由 mu 保护；
// 计时器回调也通过 mu 串行化，房间即一个逻辑上的 actor。
type Room struct {
	ID         string
	Name       string
	HostToken  string
	HostName   string
	HostAvatar string

	Players           []*Player // 插入顺序，currentPlayerIndex 以此为准
	PendingSpectators []*Player
	recentlyLeft      []leftSnapshot

	Settings  protocol.RoomSettings
	Game      GameData
	GameState GameState
	BotCount  int // 房主本地机器人总数，仅影响大厅显示

	CreatedAt    time.Time
	LastActivity time.Time

	manager *Manager
	mu      sync.Mutex
}

// Manager 房间注册表
type Manager struct {
	rooms map[string]*Room
	mu    sync.RWMutex

	sender   Sender
	dict     *dictionary.Index
	selector *Selector
	cfg      *config.Config

	stop chan struct{}
}

// NewManager 创建房间注册表并启动清理协程
func NewManager(sender Sender, dict *dictionary.Index, cfg *config.Config) *Manager {
	m := &Manager{
		rooms:    make(map[string]*Room),
		sender:   sender,
		dict:     dict,
		selector: NewSelector(dict),
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Stop 停止清理协程
func (m *Manager) Stop() {
	close(m.stop)
}

// normalizeSettings 约束房间设置到合法范围
func (m *Manager) normalizeSettings(s protocol.RoomSettings) protocol.RoomSettings {
	if s.MaxPlayers <= 0 {
		s.MaxPlayers = m.cfg.Game.MaxPlayers
	}
	if s.StartingLives <= 0 {
		s.StartingLives = m.cfg.Game.StartingLives
	}
	if s.ExtraTurnSeconds < 0 {
		s.ExtraTurnSeconds = 0
	}
	if s.ExtraTurnSeconds > 10 {
		s.ExtraTurnSeconds = 10
	}
	if !ValidScenario(s.Scenario) {
		s.Scenario = ScenarioNone
	}
	return s
}

// CreateRoom 创建房间。data.RoomID 非空时幂等复建（服务器重启后房主回归）。
func (m *Manager) CreateRoom(data *protocol.CreateRoomPayload, hostSocket, hostToken string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := data.RoomID
	if id == "" {
		id = uuid.New().String()
	} else if existing, ok := m.rooms[id]; ok {
		return existing, nil
	}

	name := strings.TrimSpace(data.Name)
	if name == "" {
		name = "Salle de " + data.PlayerName
	}

	room := &Room{
		ID:         id,
		Name:       name,
		HostToken:  hostToken,
		HostName:   data.PlayerName,
		HostAvatar: data.Avatar,
		Settings:   m.normalizeSettings(data.Settings),
		GameState:  StateLobby,
		CreatedAt:  time.Now(),
		manager:    m,
	}
	room.LastActivity = room.CreatedAt

	// 房主天然就绪
	room.Players = append(room.Players, &Player{
		Token:    hostToken,
		SocketID: hostSocket,
		Name:     data.PlayerName,
		Avatar:   data.Avatar,
		IsHost:   true,
		IsReady:  true,
		Lives:    room.Settings.StartingLives,
		IsAlive:  true,
	})

	m.rooms[id] = room
	log.Printf("🏠 房间 %s (%s) 已创建，房主 %s", room.Name, id, data.PlayerName)

	return room, nil
}

// JoinResult 加入房间的结果
type JoinResult struct {
	Room        *Room
	Reconnected bool
	Spectator   bool
}

// JoinRoom 加入房间。按序判定：重连 → 满员 → 游戏中 → 常规加入。
func (m *Manager) JoinRoom(roomID string, data protocol.PlayerData, socketID, token string, wasHost bool) (*JoinResult, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, apperrors.ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	room.LastActivity = time.Now()

	// 情况 1：令牌已在玩家列表 → 重连
	if p := room.findPlayerLocked(token); p != nil {
		p.SocketID = socketID
		p.Disconnected = false
		if data.Name != "" {
			p.Name = data.Name
		}
		log.Printf("📶 玩家 %s 重连到房间 %s", p.Name, room.ID)
		return &JoinResult{Room: room, Reconnected: true}, nil
	}

	// 情况 2：满员
	if len(room.Players) >= room.Settings.MaxPlayers {
		return nil, apperrors.ErrRoomFull
	}

	// 情况 3：游戏中，只放行历史房主或 recentlyLeft 里的玩家
	if room.GameState == StatePlaying {
		snapshot, found := room.takeRecentlyLeftLocked(token)
		isReturningHost := wasHost && token == room.HostToken
		if !found && !isReturningHost {
			return nil, apperrors.ErrGameOngoing
		}

		p := &Player{
			Token:    token,
			SocketID: socketID,
			Name:     data.Name,
			Avatar:   data.Avatar,
			Lives:    room.Settings.StartingLives,
			IsAlive:  true,
		}
		if found {
			// 恢复离开前的状态
			p.Lives = snapshot.Lives
			p.WordsFound = snapshot.WordsFound
			p.IsAlive = snapshot.IsAlive
			if p.Name == "" {
				p.Name = snapshot.Name
			}
			if p.Avatar == "" {
				p.Avatar = snapshot.Avatar
			}
		}
		room.Players = append(room.Players, p)
		room.normalizeTurnIndexLocked()
		log.Printf("🔄 玩家 %s 中途回到房间 %s", p.Name, room.ID)
		return &JoinResult{Room: room, Reconnected: found}, nil
	}

	// 情况 4：常规加入
	room.Players = append(room.Players, &Player{
		Token:    token,
		SocketID: socketID,
		Name:     data.Name,
		Avatar:   data.Avatar,
		Lives:    room.Settings.StartingLives,
		IsAlive:  true,
	})
	log.Printf("👤 玩家 %s 加入房间 %s (%d/%d)", data.Name, room.ID, len(room.Players), room.Settings.MaxPlayers)

	return &JoinResult{Room: room}, nil
}

// AddSpectator 游戏中到场的观战者，endGame 时转正
func (m *Manager) AddSpectator(roomID string, data protocol.PlayerData, socketID, token string) (*Room, error) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, apperrors.ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if lo.ContainsBy(room.PendingSpectators, func(p *Player) bool { return p.Token == token }) {
		return room, nil
	}
	room.PendingSpectators = append(room.PendingSpectators, &Player{
		Token:    token,
		SocketID: socketID,
		Name:     data.Name,
		Avatar:   data.Avatar,
	})
	return room, nil
}

// LeaveRoom 离开房间。游戏中离开会留下 60s 快照供回归。
// 返回 (房间, 是否删除了房间, 新房主 token)。
func (m *Manager) LeaveRoom(roomID, token string) (*Room, bool, string) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, false, ""
	}

	room.mu.Lock()

	idx := -1
	for i, p := range room.Players {
		if p.Token == token {
			idx = i
			break
		}
	}
	if idx == -1 {
		// 观战者也可能离开
		room.PendingSpectators = lo.Reject(room.PendingSpectators, func(p *Player, _ int) bool {
			return p.Token == token
		})
		room.mu.Unlock()
		return room, false, ""
	}

	leaving := room.Players[idx]
	if room.GameState == StatePlaying {
		room.recentlyLeft = append(room.recentlyLeft, leftSnapshot{player: *leaving, leftAt: time.Now()})
	}

	room.Players = append(room.Players[:idx], room.Players[idx+1:]...)
	room.LastActivity = time.Now()

	// 回合索引随移除左移
	if room.GameState == StatePlaying && idx < room.Game.CurrentPlayerIndex {
		room.Game.CurrentPlayerIndex--
	}
	room.normalizeTurnIndexLocked()

	log.Printf("👋 玩家 %s 离开房间 %s", leaving.Name, room.ID)

	// 空房直接删除
	if len(room.Players) == 0 {
		room.stopTimerLocked()
		room.mu.Unlock()

		m.mu.Lock()
		delete(m.rooms, roomID)
		m.mu.Unlock()
		log.Printf("🏠 房间 %s 已解散", room.ID)
		return room, true, ""
	}

	// 房主离开则按插入顺序推举
	newHost := ""
	if leaving.IsHost {
		promoted := room.Players[0]
		promoted.IsHost = true
		promoted.IsReady = true
		room.HostToken = promoted.Token
		room.HostName = promoted.Name
		room.HostAvatar = promoted.Avatar
		newHost = promoted.Token
		log.Printf("👑 房间 %s 房主转移给 %s", room.ID, promoted.Name)
	}
	room.mu.Unlock()

	return room, false, newHost
}

// DeleteRoom 删除房间（房主操作），返回被删除的房间
func (m *Manager) DeleteRoom(roomID string) *Room {
	m.mu.Lock()
	room, exists := m.rooms[roomID]
	if exists {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !exists {
		return nil
	}

	room.mu.Lock()
	room.stopTimerLocked()
	room.mu.Unlock()
	log.Printf("🏠 房间 %s 已被房主删除", roomID)
	return room
}

// GetRoom 获取房间
func (m *Manager) GetRoom(roomID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[roomID]
}

// GetPublicRooms 大厅浏览摘要。displayPlayerCount 让房主本地机器人可见。
func (m *Manager) GetPublicRooms() []protocol.RoomSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]protocol.RoomSummary, 0, len(m.rooms))
	for _, room := range m.rooms {
		room.mu.Lock()
		count := len(room.Players)
		if room.BotCount > count {
			count = room.BotCount
		}
		out = append(out, protocol.RoomSummary{
			ID:          room.ID,
			Name:        room.Name,
			Host:        room.HostName,
			PlayerCount: count,
			MaxPlayers:  room.Settings.MaxPlayers,
			GameState:   string(room.GameState),
			Scenario:    room.Settings.Scenario,
		})
		room.mu.Unlock()
	}
	return out
}

// MarkDisconnected 置位掉线标记（不移除玩家）。
// 返回 (房间, 该玩家是否为当前回合玩家)。
func (m *Manager) MarkDisconnected(roomID, token string) (*Room, bool) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p := room.findPlayerLocked(token)
	if p == nil {
		return nil, false
	}
	p.Disconnected = true
	p.SocketID = ""

	isCurrent := room.GameState == StatePlaying &&
		room.Game.CurrentPlayerIndex < len(room.Players) &&
		room.Players[room.Game.CurrentPlayerIndex].Token == token
	return room, isCurrent
}

// MarkReconnected 清除掉线标记
func (m *Manager) MarkReconnected(roomID, token, socketID string) *Room {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if p := room.findPlayerLocked(token); p != nil {
		p.Disconnected = false
		p.SocketID = socketID
	}
	return room
}

// RoomCount 房间数
func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// cleanupLoop 定期回收空闲房间与过期快照
func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup 空闲超时且非游戏中的房间直接回收。
// 兜底 recover：清理协程炸了也不能带走进程。
func (m *Manager) cleanup() {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(rec)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	idle := m.cfg.Game.IdleRoomDuration()
	ttl := m.cfg.Game.RecentlyLeftDuration()

	for id, room := range m.rooms {
		room.mu.Lock()
		// 过期的离开快照统一在这里剔除
		room.recentlyLeft = lo.Filter(room.recentlyLeft, func(s leftSnapshot, _ int) bool {
			return now.Sub(s.leftAt) <= ttl
		})

		expired := room.GameState != StatePlaying && now.Sub(room.LastActivity) > idle
		empty := len(room.Players) == 0
		if expired || empty {
			room.stopTimerLocked()
			room.mu.Unlock()
			delete(m.rooms, id)
			log.Printf("🧹 空闲房间 %s 已回收", id)
			continue
		}
		room.mu.Unlock()
	}
}

// --- Room 内部辅助（调用方持有 room.mu） ---

// findPlayerLocked 按令牌查玩家
func (r *Room) findPlayerLocked(token string) *Player {
	for _, p := range r.Players {
		if p.Token == token {
			return p
		}
	}
	return nil
}

// takeRecentlyLeftLocked 取出并移除未过期的离开快照
func (r *Room) takeRecentlyLeftLocked(token string) (Player, bool) {
	ttl := r.manager.cfg.Game.RecentlyLeftDuration()
	now := time.Now()
	for i, s := range r.recentlyLeft {
		if s.player.Token == token && now.Sub(s.leftAt) <= ttl {
			r.recentlyLeft = append(r.recentlyLeft[:i], r.recentlyLeft[i+1:]...)
			return s.player, true
		}
	}
	return Player{}, false
}

// normalizeTurnIndexLocked 任何变更后把回合索引归一到合法范围
func (r *Room) normalizeTurnIndexLocked() {
	n := len(r.Players)
	if n == 0 {
		r.Game.CurrentPlayerIndex = 0
		return
	}
	if r.Game.CurrentPlayerIndex < 0 {
		r.Game.CurrentPlayerIndex = 0
	}
	r.Game.CurrentPlayerIndex %= n
}

// Broadcast 广播消息给房间内所有在线玩家与观战者
func (r *Room) Broadcast(msg *protocol.Message) {
	for _, p := range r.Players {
		if p.SocketID != "" {
			r.manager.sender.SendToSocket(p.SocketID, msg)
		}
	}
	for _, p := range r.PendingSpectators {
		if p.SocketID != "" {
			r.manager.sender.SendToSocket(p.SocketID, msg)
		}
	}
}

// broadcastLocked 与 Broadcast 相同，命名上区分调用方已持锁的场合
func (r *Room) broadcastLocked(msg *protocol.Message) {
	r.Broadcast(msg)
}

// PlayersInfo 所有玩家信息（对外）
func (r *Room) PlayersInfo() []protocol.PlayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playersInfoLocked()
}

func (r *Room) playersInfoLocked() []protocol.PlayerInfo {
	return lo.Map(r.Players, func(p *Player, _ int) protocol.PlayerInfo {
		return p.Info()
	})
}

// StatePayload 房间完整状态
func (r *Room) StatePayload(reconnected bool) protocol.RoomStatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return protocol.RoomStatePayload{
		ID:          r.ID,
		Name:        r.Name,
		HostToken:   r.HostToken,
		Players:     r.playersInfoLocked(),
		Settings:    r.Settings,
		GameState:   string(r.GameState),
		Reconnected: reconnected,
	}
}
