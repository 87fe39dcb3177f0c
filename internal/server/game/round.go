package game

import (
	"log"
	"strings"
	"time"

	"github.com/croquemot/croquemot/internal/apperrors"
	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/protocol"
)

// StartGame 开始一局。调用方已校验房主权限。
func (r *Room) StartGame(scenario string, trainSyllables []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState == StatePlaying {
		return apperrors.ErrGameOngoing
	}
	if len(r.Players) == 0 {
		return apperrors.ErrNotInRoom
	}

	if ValidScenario(scenario) {
		r.Settings.Scenario = scenario
	}

	var trainAllowed map[string]struct{}
	if r.Settings.Scenario == ScenarioTrainSkip && len(trainSyllables) > 0 {
		trainAllowed = make(map[string]struct{}, len(trainSyllables))
		for _, syl := range trainSyllables {
			trainAllowed[dictionary.Normalize(syl)] = struct{}{}
		}
	}

	for _, p := range r.Players {
		p.Lives = r.Settings.StartingLives
		p.WordsFound = 0
		p.IsAlive = true
	}

	r.GameState = StatePlaying
	r.Game = GameData{
		CurrentPlayerIndex: 0,
		StartTime:          time.Now(),
		UsedSyllables:      make(map[string]struct{}),
		TrainAllowed:       trainAllowed,
		lastSubmit:         make(map[string]time.Time),
	}
	r.LastActivity = time.Now()

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgGameStarted, protocol.GameStartedPayload{
		Players:  r.playersInfoLocked(),
		Scenario: r.Settings.Scenario,
		Settings: r.Settings,
	}))
	log.Printf("🎮 房间 %s 开局，场景=%q，玩家 %d 人", r.ID, r.Settings.Scenario, len(r.Players))

	r.startRoundLocked()
	return nil
}

// startRoundLocked 选音节、广播、武装计时器。调用方持有 r.mu。
func (r *Room) startRoundLocked() {
	if r.GameState != StatePlaying {
		return
	}

	syl, count := r.manager.selector.Pick(r.Settings.Scenario, r.Game.UsedSyllables, r.Game.TrainAllowed)
	if syl == "" {
		// 练习集耗尽或词典全空
		r.endGameLocked()
		return
	}
	r.Game.UsedSyllables[syl] = struct{}{}

	r.Game.RoundNumber++
	r.Game.CurrentSyllable = syl
	r.Game.CurrentSyllableCount = count
	r.Game.ServerControlledUntil = time.Now().Add(r.manager.cfg.Game.ServerControlWindow())
	r.Game.TimerTotal = r.manager.cfg.Game.TurnDuration() +
		time.Duration(r.Settings.ExtraTurnSeconds)*time.Second

	current := r.Players[r.Game.CurrentPlayerIndex]
	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgSyllableUpdate, protocol.SyllableUpdatePayload{
		Syllable:    syl,
		PlayerIndex: r.Game.CurrentPlayerIndex,
		Player:      current.Token,
		RoundNumber: r.Game.RoundNumber,
		Count:       count,
	}))

	r.armTimerLocked(r.Game.TimerTotal)
}

// SubmitWord 提交单词。服务端始终用自己的音节校验，
// 客户端报上来的音节只是诊断信息。
func (r *Room) SubmitWord(callerToken, word string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState != StatePlaying || r.Game.Paused {
		return apperrors.ErrGameNotStart
	}
	if r.Game.CurrentPlayerIndex >= len(r.Players) {
		return apperrors.ErrGameNotStart
	}

	// 同一会话 800ms 内只接受一次提交
	now := time.Now()
	if last, ok := r.Game.lastSubmit[callerToken]; ok && now.Sub(last) < r.manager.cfg.Game.SubmitCooldown() {
		r.broadcastLocked(protocol.MustNewMessage(protocol.MsgWordRejected, protocol.WordRejectedPayload{
			Word:   word,
			Reason: "Trop rapide!",
		}))
		return nil
	}
	r.Game.lastSubmit[callerToken] = now

	current := r.Players[r.Game.CurrentPlayerIndex]
	forBot := false
	if callerToken != current.Token {
		// 房主可以替不在玩家列表里的本地机器人提交
		if callerToken != r.HostToken {
			return apperrors.ErrNotYourTurn
		}
		forBot = true
	}

	normalized := dictionary.Normalize(word)
	switch {
	case !strings.Contains(normalized, r.Game.CurrentSyllable):
		r.broadcastLocked(protocol.MustNewMessage(protocol.MsgWordRejected, protocol.WordRejectedPayload{
			Word:   normalized,
			Reason: "La syllabe n'y est pas",
		}))
		return nil
	case !r.manager.dict.Contains(normalized):
		r.broadcastLocked(protocol.MustNewMessage(protocol.MsgWordRejected, protocol.WordRejectedPayload{
			Word:   normalized,
			Reason: "Mot inconnu",
		}))
		return nil
	}

	// 有效：停表、计数、广播、轮换、下一回合
	r.stopTimerLocked()

	acceptedToken := current.Token
	if forBot {
		acceptedToken = ""
	} else {
		current.WordsFound++
	}
	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgWordAccepted, protocol.WordAcceptedPayload{
		Token:      acceptedToken,
		Word:       normalized,
		WordsFound: current.WordsFound,
	}))
	log.Printf("✅ 房间 %s: %s 找到 %q (音节 %s)", r.ID, current.Name, normalized, r.Game.CurrentSyllable)

	r.advanceToNextAliveLocked()
	r.startRoundLocked()
	return nil
}

// RequestNewSyllable 旧版客户端引擎可能在服务端刚选完音节后抢跑，
// 只有过了服务端独占窗口才接受，场景过滤因此永远不会被绕过。
func (r *Room) RequestNewSyllable() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState != StatePlaying || r.Game.Paused {
		return apperrors.ErrGameNotStart
	}
	if time.Now().Before(r.Game.ServerControlledUntil) {
		return nil // 静默忽略，服务端的选择仍然有效
	}

	r.stopTimerLocked()
	r.startRoundLocked()
	return nil
}

// HandleLoseLife 扣除指定玩家生命（房主代机器人、或主动放弃）
func (r *Room) HandleLoseLife(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState != StatePlaying {
		return apperrors.ErrGameNotStart
	}
	p := r.findPlayerLocked(token)
	if p == nil {
		return apperrors.ErrNotInRoom
	}

	// 扣的是当前回合玩家时先停表
	if r.Game.CurrentPlayerIndex < len(r.Players) && r.Players[r.Game.CurrentPlayerIndex] == p {
		r.stopTimerLocked()
	}
	r.handleLoseLifeLocked(p)
	return nil
}

// Suicide 当前回合玩家主动放弃
func (r *Room) Suicide(token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState != StatePlaying || r.Game.Paused {
		return apperrors.ErrGameNotStart
	}
	if r.Game.CurrentPlayerIndex >= len(r.Players) ||
		r.Players[r.Game.CurrentPlayerIndex].Token != token {
		return apperrors.ErrNotYourTurn
	}

	r.stopTimerLocked()
	r.handleLoseLifeLocked(r.Players[r.Game.CurrentPlayerIndex])
	return nil
}

// handleLoseLifeLocked 扣生命并推进游戏。调用方持有 r.mu；p 为当前回合玩家时调用方已停表。
func (r *Room) handleLoseLifeLocked(p *Player) {
	p.Lives--
	if p.Lives < 0 {
		p.Lives = 0
	}

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgPlayerLostLife, protocol.PlayerLostLifePayload{
		Token:     p.Token,
		LivesLeft: p.Lives,
	}))

	if p.Lives <= 0 && p.IsAlive {
		p.IsAlive = false
		r.broadcastLocked(protocol.MustNewMessage(protocol.MsgPlayerEliminated, protocol.PlayerEliminatedPayload{
			Token:      p.Token,
			PlayerName: p.Name,
		}))
		log.Printf("💀 房间 %s: %s 被淘汰", r.ID, p.Name)
	}

	if r.aliveCountLocked() <= 1 {
		r.endGameLocked()
		return
	}

	r.advanceToNextAliveLocked()
	r.startRoundLocked()
}

// aliveCountLocked 存活玩家数
func (r *Room) aliveCountLocked() int {
	count := 0
	for _, p := range r.Players {
		if p.IsAlive && p.Lives > 0 {
			count++
		}
	}
	return count
}

// advanceToNextAliveLocked 从下一位开始线性扫描，跳过淘汰与掉线的玩家。
// 最多扫一圈，保证有界。
func (r *Room) advanceToNextAliveLocked() {
	n := len(r.Players)
	if n == 0 {
		return
	}

	idx := r.Game.CurrentPlayerIndex
	for i := 1; i <= n; i++ {
		candidate := (idx + i) % n
		p := r.Players[candidate]
		if p.IsAlive && p.Lives > 0 && !p.Disconnected {
			r.Game.CurrentPlayerIndex = candidate
			r.broadcastLocked(protocol.MustNewMessage(protocol.MsgTurnChanged, protocol.TurnChangedPayload{
				PlayerIndex: candidate,
				Token:       p.Token,
			}))
			return
		}
	}
	// 全员掉线/淘汰时原地不动，由 endGame 或踢出流程收尾
}

// EndGame 房主主动结束
func (r *Room) EndGame() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.GameState != StatePlaying {
		return
	}
	r.endGameLocked()
}

// endGameLocked 结算：停表、定胜者、转正观战者、重置回大厅。
// finished 是瞬态，函数返回时房间已回到 lobby。
func (r *Room) endGameLocked() {
	r.stopTimerLocked()
	r.GameState = StateFinished

	// 胜者为最后存活者，并列时取靠前加入的
	var winner *Player
	for _, p := range r.Players {
		if p.IsAlive && p.Lives > 0 {
			winner = p
			break
		}
	}
	if winner == nil && len(r.Players) > 0 {
		winner = r.Players[0]
	}

	payload := protocol.GameOverPayload{}
	if winner != nil {
		payload.WinnerToken = winner.Token
		payload.WinnerName = winner.Name
	}
	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgGameOver, payload))
	if winner != nil {
		log.Printf("🏆 房间 %s 结束，胜者 %s", r.ID, winner.Name)
	}

	// 转正等待中的观战者
	for _, spec := range r.PendingSpectators {
		if len(r.Players) >= r.Settings.MaxPlayers {
			break
		}
		p := &Player{
			Token:    spec.Token,
			SocketID: spec.SocketID,
			Name:     spec.Name,
			Avatar:   spec.Avatar,
			Lives:    r.Settings.StartingLives,
			IsAlive:  true,
		}
		r.Players = append(r.Players, p)
		if p.SocketID != "" {
			r.manager.sender.SendToSocket(p.SocketID, protocol.MustNewMessage(
				protocol.MsgPromotedToPlayer, protocol.PromotedToPlayerPayload{Player: p.Info()}))
		}
	}
	r.PendingSpectators = nil

	// 重置所有玩家，回到大厅
	for _, p := range r.Players {
		p.Lives = r.Settings.StartingLives
		p.WordsFound = 0
		p.IsAlive = true
		p.IsReady = p.IsHost
	}
	r.Game = GameData{UsedSyllables: make(map[string]struct{}), lastSubmit: make(map[string]time.Time)}
	r.GameState = StateLobby
	r.LastActivity = time.Now()
}

// ToggleReady 切换准备状态，返回新状态
func (r *Room) ToggleReady(token string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.findPlayerLocked(token)
	if p == nil {
		return false, apperrors.ErrNotInRoom
	}
	p.IsReady = !p.IsReady

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgPlayerReadyChanged, protocol.PlayerReadyChangedPayload{
		Token:   p.Token,
		IsReady: p.IsReady,
	}))
	return p.IsReady, nil
}

// UpdateSettings 更新房间设置（仅大厅状态）
func (r *Room) UpdateSettings(settings protocol.RoomSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.GameState == StatePlaying {
		return apperrors.ErrGameOngoing
	}
	r.Settings = r.manager.normalizeSettings(settings)

	r.broadcastLocked(protocol.MustNewMessage(protocol.MsgSettingsUpdated, protocol.SettingsUpdatedPayload{
		Settings: r.Settings,
	}))
	return nil
}

// SetBotCount 记录房主本地机器人数量
func (r *Room) SetBotCount(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if total < 0 {
		total = 0
	}
	r.BotCount = total
}

// IsHost 令牌是否为房主
func (r *Room) IsHost(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return token == r.HostToken
}

// CurrentPlayerToken 当前回合玩家令牌
func (r *Room) CurrentPlayerToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Game.CurrentPlayerIndex < len(r.Players) {
		return r.Players[r.Game.CurrentPlayerIndex].Token
	}
	return ""
}
