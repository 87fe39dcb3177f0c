package game

import (
	"log"
	"time"

	"github.com/croquemot/croquemot/internal/logger"
	"github.com/croquemot/croquemot/internal/protocol"
)

const (
	// 计时器广播间隔
	tickInterval = 100 * time.Millisecond
	// 恢复时保底剩余时间，给重连玩家一个公平回合
	resumeFloor = 3 * time.Second
)

// --- 回合计时 ---
// 每个回合只有一个逻辑计时器；重新武装总是替换而不是嵌套。
// 代际号保证过期回调与并发武装/解除不会双扣生命。

// recoverCallback 计时器/后台回调的兜底：进程绝不因单个房间的异常退出。
// 在回调入口 defer，且必须先于加锁 defer 声明，panic 展开时锁已释放，
// TryRecover 才能真正把房间拉回来。
func (r *Room) recoverCallback(where string) {
	if rec := recover(); rec != nil {
		logger.LogPanic(rec)
		log.Printf("💥 房间 %s 回调(%s)异常，尝试恢复", r.ID, where)
		r.TryRecover()
	}
}

// TryRecover 尽力恢复异常房间：清掉计时器，游戏进行中则推进回合。
// 拿不到锁（异常时锁未释放）就只记录，不再冒险。
func (r *Room) TryRecover() {
	defer func() {
		if rec := recover(); rec != nil {
			logger.LogPanic(rec)
		}
	}()

	if !r.mu.TryLock() {
		log.Printf("⚠️ 房间 %s 锁不可用，跳过恢复", r.ID)
		return
	}
	defer r.mu.Unlock()

	r.stopTimerLocked()
	if r.GameState == StatePlaying && !r.Game.Paused && len(r.Players) > 0 {
		r.advanceToNextAliveLocked()
		r.startRoundLocked()
	}
}

// armTimerLocked 武装回合计时器。调用方持有 r.mu。
func (r *Room) armTimerLocked(d time.Duration) {
	r.stopTimerLocked()

	r.Game.timerGen++
	gen := r.Game.timerGen
	r.Game.timerDeadline = time.Now().Add(d)
	r.Game.turnTimer = time.AfterFunc(d, func() {
		r.onExpiry(gen)
	})

	stop := make(chan struct{})
	r.Game.tickStop = stop
	go r.tickLoop(gen, stop)
}

// stopTimerLocked 解除计时器。幂等。调用方持有 r.mu。
func (r *Room) stopTimerLocked() {
	r.Game.timerGen++
	if r.Game.turnTimer != nil {
		r.Game.turnTimer.Stop()
		r.Game.turnTimer = nil
	}
	if r.Game.tickStop != nil {
		close(r.Game.tickStop)
		r.Game.tickStop = nil
	}
	r.Game.timerDeadline = time.Time{}
}

// tickLoop 周期广播剩余时间
func (r *Room) tickLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !r.broadcastTick(gen) {
				return
			}
		}
	}
}

// broadcastTick 单次计时广播。返回 false 表示计时器已换代，循环应退出。
func (r *Room) broadcastTick(gen uint64) (alive bool) {
	defer r.recoverCallback("计时广播")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Game.timerGen != gen || r.Game.Paused || r.Game.timerDeadline.IsZero() {
		return false
	}
	remaining := time.Until(r.Game.timerDeadline)
	if remaining < 0 {
		remaining = 0
	}
	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgTimerUpdate, protocol.TimerUpdatePayload{
		Remaining: remaining.Milliseconds(),
		Total:     r.Game.TimerTotal.Milliseconds(),
	}))
	return true
}

// onExpiry 计时器到期：超时广播 + 扣生命。
// 先清计时器句柄再扣生命，保证同一回合不会双扣。
func (r *Room) onExpiry(gen uint64) {
	defer r.recoverCallback("回合到期")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Game.timerGen != gen || r.GameState != StatePlaying || r.Game.Paused {
		return
	}
	if r.Game.CurrentPlayerIndex >= len(r.Players) {
		return
	}

	r.stopTimerLocked()
	current := r.Players[r.Game.CurrentPlayerIndex]

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgTimeout, protocol.TimeoutPayload{
		SocketID:   current.SocketID,
		PlayerName: current.Name,
	}))
	log.Printf("⏰ 房间 %s: %s 回合超时", r.ID, current.Name)

	r.handleLoseLifeLocked(current)
}

// Pause 冻结剩余时间。重复暂停为空操作。
func (r *Room) Pause(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauseLocked(reason)
}

func (r *Room) pauseLocked(reason string) {
	if r.GameState != StatePlaying || r.Game.Paused {
		return
	}

	remaining := time.Until(r.Game.timerDeadline)
	if remaining < 0 {
		remaining = 0
	}
	r.Game.Paused = true
	r.Game.PausedRemaining = remaining
	r.stopTimerLocked()

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgGamePaused, protocol.GamePausedPayload{
		Reason:    reason,
		Remaining: remaining.Milliseconds(),
	}))
	log.Printf("⏸️ 房间 %s 已暂停 (%s)，剩余 %v", r.ID, reason, remaining.Round(time.Millisecond))
}

// Resume 从冻结的剩余时间继续，保底 3 秒
func (r *Room) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeLocked()
}

func (r *Room) resumeLocked() {
	if r.GameState != StatePlaying || !r.Game.Paused {
		return
	}

	remaining := r.Game.PausedRemaining
	if remaining < resumeFloor {
		remaining = resumeFloor
	}
	r.Game.Paused = false
	r.Game.PausedRemaining = 0

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgGameResumed, protocol.GameResumedPayload{
		Remaining: remaining.Milliseconds(),
	}))
	r.armTimerLocked(remaining)
	log.Printf("▶️ 房间 %s 已恢复，剩余 %v", r.ID, remaining.Round(time.Millisecond))
}
