package game

import (
	"github.com/samber/lo"

	"github.com/croquemot/croquemot/internal/protocol"
)

// PlayerName 令牌对应的玩家名（含离开快照里的）
func (r *Room) PlayerName(token string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findPlayerLocked(token); p != nil {
		return p.Name
	}
	for _, s := range r.recentlyLeft {
		if s.player.Token == token {
			return s.player.Name
		}
	}
	return ""
}

// PlayerTokens 所有玩家令牌
func (r *Room) PlayerTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.Players, func(p *Player, _ int) string { return p.Token })
}

// PlayerInfoFor 单个玩家的对外信息
func (r *Room) PlayerInfoFor(token string) protocol.PlayerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.findPlayerLocked(token); p != nil {
		return p.Info()
	}
	return protocol.PlayerInfo{Token: token}
}

// BroadcastExcept 广播给除指定 socket 外的所有人
func (r *Room) BroadcastExcept(excludeSocketID string, msg *protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.Players {
		if p.SocketID != "" && p.SocketID != excludeSocketID {
			r.manager.sender.SendToSocket(p.SocketID, msg)
		}
	}
	for _, p := range r.PendingSpectators {
		if p.SocketID != "" && p.SocketID != excludeSocketID {
			r.manager.sender.SendToSocket(p.SocketID, msg)
		}
	}
}

// SpectatorsWaiting 等待转正的观战者
func (r *Room) SpectatorsWaiting() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Map(r.PendingSpectators, func(p *Player, _ int) string { return p.Name })
	return len(names), names
}

// HostSocketID 房主当前 socket
func (r *Room) HostSocketID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.findPlayerLocked(r.HostToken); p != nil {
		return p.SocketID
	}
	return ""
}

// IsPaused 房间是否处于暂停
func (r *Room) IsPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Game.Paused
}

// EvictPlayer 宽限期耗尽的最终踢出：先让回合越过该玩家、
// 恢复暂停的计时，再执行常规离开。
// 返回 (房间, 是否删除了房间, 新房主 token)。
func (m *Manager) EvictPlayer(roomID, token string) (*Room, bool, string) {
	m.mu.RLock()
	room, exists := m.rooms[roomID]
	m.mu.RUnlock()
	if !exists {
		return nil, false, ""
	}

	room.mu.Lock()
	if room.GameState == StatePlaying &&
		room.Game.CurrentPlayerIndex < len(room.Players) &&
		room.Players[room.Game.CurrentPlayerIndex].Token == token {
		room.advanceToNextAliveLocked()
	}
	if room.Game.Paused {
		room.resumeLocked()
	}
	room.mu.Unlock()

	return m.LeaveRoom(roomID, token)
}
