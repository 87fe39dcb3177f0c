package game

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/croquemot/croquemot/internal/protocol"
)

// startedRoom 两名玩家、已开局的房间
func startedRoom(t *testing.T, words string) (*Manager, *mockSender, *Room) {
	t.Helper()
	m, sender := newTestManager(t, words)
	room := createTestRoom(t, m)
	_, err := m.JoinRoom(room.ID, protocol.PlayerData{Name: "Pair"}, "sock-1", "tok-1", false)
	require.NoError(t, err)
	require.NoError(t, room.StartGame("", nil))
	return m, sender, room
}

func currentGen(r *Room) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Game.timerGen
}

func currentSyllable(r *Room) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Game.CurrentSyllable
}

func TestBasicRound_SubmitAcceptedAdvancesTurn(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\nRAISON\n")

	// 服务端已广播第一个音节
	syl := lastOfType[protocol.SyllableUpdatePayload](t, sender, "sock-host", protocol.MsgSyllableUpdate)
	require.NotNil(t, syl)
	assert.Equal(t, 1, syl.RoundNumber)
	assert.Positive(t, syl.Count)

	// 当前玩家提交含音节的词典词
	word := pickWordContaining(t, syl.Syllable)
	require.NoError(t, room.SubmitWord("tok-host", word))

	accepted := lastOfType[protocol.WordAcceptedPayload](t, sender, "sock-1", protocol.MsgWordAccepted)
	require.NotNil(t, accepted)
	assert.Equal(t, "tok-host", accepted.Token)
	assert.Equal(t, 1, accepted.WordsFound)

	// 回合轮换 + 下一个音节
	turn := lastOfType[protocol.TurnChangedPayload](t, sender, "sock-host", protocol.MsgTurnChanged)
	require.NotNil(t, turn)
	assert.Equal(t, "tok-1", turn.Token)

	next := lastOfType[protocol.SyllableUpdatePayload](t, sender, "sock-host", protocol.MsgSyllableUpdate)
	assert.Equal(t, 2, next.RoundNumber)
	assert.NotEqual(t, syl.Syllable, next.Syllable, "已用音节在同一局内不得复选")
}

// pickWordContaining 测试词典里找一个含该音节的词
func pickWordContaining(t *testing.T, syl string) string {
	t.Helper()
	for _, w := range []string{"BONJOUR", "BONBON", "MAISON", "CHANSON", "RAISON"} {
		if containsSyllable(w, syl) {
			return w
		}
	}
	t.Fatalf("测试词典中没有含 %q 的词", syl)
	return ""
}

func containsSyllable(word, syl string) bool {
	for i := 0; i+len(syl) <= len(word); i++ {
		if word[i:i+len(syl)] == syl {
			return true
		}
	}
	return false
}

func TestSubmitWord_RejectionsKeepTimerRunning(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")
	genBefore := currentGen(room)

	// 不含音节
	require.NoError(t, room.SubmitWord("tok-host", "QQQQQQ"))
	rejected := lastOfType[protocol.WordRejectedPayload](t, sender, "sock-host", protocol.MsgWordRejected)
	require.NotNil(t, rejected)
	assert.Equal(t, "La syllabe n'y est pas", rejected.Reason)

	// 拒绝不扣生命、不换回合、不换计时器
	assert.Equal(t, genBefore, currentGen(room))
	assert.Equal(t, room.Settings.StartingLives, room.Players[0].Lives)
	assert.Zero(t, countOfType(sender, "sock-host", protocol.MsgPlayerLostLife))
}

func TestSubmitWord_UnknownWordRejected(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")

	syl := currentSyllable(room)
	require.NoError(t, room.SubmitWord("tok-host", syl+"ZZZZQ"))
	rejected := lastOfType[protocol.WordRejectedPayload](t, sender, "sock-host", protocol.MsgWordRejected)
	require.NotNil(t, rejected)
	assert.Equal(t, "Mot inconnu", rejected.Reason)
}

func TestSubmitWord_CooldownRejectsRapidFire(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\nRAISON\n")

	syl := lastOfType[protocol.SyllableUpdatePayload](t, sender, "sock-host", protocol.MsgSyllableUpdate)
	word := pickWordContaining(t, syl.Syllable)
	require.NoError(t, room.SubmitWord("tok-host", word))
	require.Equal(t, 1, countOfType(sender, "sock-host", protocol.MsgWordAccepted))

	// 800ms 内的第二次提交：即便房主可以代机器人提交也直接拒绝
	require.NoError(t, room.SubmitWord("tok-host", word))
	rejected := lastOfType[protocol.WordRejectedPayload](t, sender, "sock-host", protocol.MsgWordRejected)
	require.NotNil(t, rejected)
	assert.Equal(t, "Trop rapide!", rejected.Reason)
	assert.Equal(t, 1, countOfType(sender, "sock-host", protocol.MsgWordAccepted))
}

func TestSubmitWord_NotYourTurn(t *testing.T) {
	_, _, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")

	// 非当前玩家、非房主
	err := room.SubmitWord("tok-autre", "BONJOUR")
	assert.Error(t, err)
}

func TestTimeout_LosesLifeAndAdvances(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")

	gen := currentGen(room)
	room.onExpiry(gen)

	assert.Equal(t, 1, countOfType(sender, "sock-host", protocol.MsgTimeout))
	lost := lastOfType[protocol.PlayerLostLifePayload](t, sender, "sock-host", protocol.MsgPlayerLostLife)
	require.NotNil(t, lost)
	assert.Equal(t, "tok-host", lost.Token)
	assert.Equal(t, room.Settings.StartingLives-1, lost.LivesLeft)

	// 回合推进到另一名玩家，新回合已武装
	turn := lastOfType[protocol.TurnChangedPayload](t, sender, "sock-host", protocol.MsgTurnChanged)
	require.NotNil(t, turn)
	assert.Equal(t, "tok-1", turn.Token)

	// 同一代际的第二次到期是陈旧回调，不得再扣生命
	room.onExpiry(gen)
	assert.Equal(t, 1, countOfType(sender, "sock-host", protocol.MsgPlayerLostLife))
}

func TestEliminationAndGameOver(t *testing.T) {
	m, sender := newTestManager(t, "BONJOUR\nBONBON\nMAISON\n")
	room := createTestRoom(t, m)
	_, err := m.JoinRoom(room.ID, protocol.PlayerData{Name: "Pair"}, "sock-1", "tok-1", false)
	require.NoError(t, err)

	room.mu.Lock()
	room.Settings.StartingLives = 1
	room.mu.Unlock()
	require.NoError(t, room.StartGame("", nil))

	// 当前玩家（房主）超时：1 条命直接淘汰
	room.onExpiry(currentGen(room))

	elim := lastOfType[protocol.PlayerEliminatedPayload](t, sender, "sock-1", protocol.MsgPlayerEliminated)
	require.NotNil(t, elim)
	assert.Equal(t, "tok-host", elim.Token)

	over := lastOfType[protocol.GameOverPayload](t, sender, "sock-1", protocol.MsgGameOver)
	require.NotNil(t, over)
	assert.Equal(t, "tok-1", over.WinnerToken)

	// finished 是瞬态：房间回到大厅，玩家状态重置
	assert.Equal(t, StateLobby, room.GameState)
	for _, p := range room.Players {
		assert.Equal(t, 1, p.Lives)
		assert.True(t, p.IsAlive)
		assert.Zero(t, p.WordsFound)
	}
}

func TestLivesZeroImpliesNotAlive(t *testing.T) {
	m, _ := newTestManager(t, "BONJOUR\nBONBON\nMAISON\n")
	room := createTestRoom(t, m)
	for i := 1; i <= 2; i++ {
		_, err := m.JoinRoom(room.ID, protocol.PlayerData{Name: "P"}, "s", "tok-"+string(rune('0'+i)), false)
		require.NoError(t, err)
	}
	require.NoError(t, room.StartGame("", nil))

	require.NoError(t, room.HandleLoseLife("tok-1"))
	require.NoError(t, room.HandleLoseLife("tok-1"))

	room.mu.Lock()
	defer room.mu.Unlock()
	for _, p := range room.Players {
		if p.Lives == 0 {
			assert.False(t, p.IsAlive)
		}
	}
}

func TestPauseResume_FloorsRemainingAtThreeSeconds(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\n")

	room.Pause("joueur déconnecté")
	paused := lastOfType[protocol.GamePausedPayload](t, sender, "sock-1", protocol.MsgGamePaused)
	require.NotNil(t, paused)
	assert.True(t, room.IsPaused())

	// 暂停期间到期回调不得生效
	room.onExpiry(currentGen(room))
	assert.Zero(t, countOfType(sender, "sock-host", protocol.MsgTimeout))

	// 剩余不足 3 秒时恢复要取下限
	room.mu.Lock()
	room.Game.PausedRemaining = 500 * time.Millisecond
	room.mu.Unlock()

	room.Resume()
	resumed := lastOfType[protocol.GameResumedPayload](t, sender, "sock-1", protocol.MsgGameResumed)
	require.NotNil(t, resumed)
	assert.Equal(t, int64(3000), resumed.Remaining)
	assert.False(t, room.IsPaused())
}

func TestAdvanceSkipsDisconnectedAndEliminated(t *testing.T) {
	m, _ := newTestManager(t, "BONJOUR\nBONBON\nMAISON\n")
	room := createTestRoom(t, m)
	for i := 1; i <= 2; i++ {
		_, err := m.JoinRoom(room.ID, protocol.PlayerData{Name: "P"}, "s", "tok-"+string(rune('0'+i)), false)
		require.NoError(t, err)
	}
	require.NoError(t, room.StartGame("", nil))

	room.mu.Lock()
	room.Players[1].Disconnected = true
	room.advanceToNextAliveLocked()
	idx := room.Game.CurrentPlayerIndex
	room.mu.Unlock()

	// 跳过掉线的 players[1]
	assert.Equal(t, 2, idx)
}

func TestEndGame_PromotesPendingSpectators(t *testing.T) {
	m, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\n")

	_, err := m.AddSpectator(room.ID, protocol.PlayerData{Name: "Spec"}, "sock-spec", "tok-spec")
	require.NoError(t, err)

	room.EndGame()

	assert.Equal(t, StateLobby, room.GameState)
	require.Len(t, room.Players, 3)
	assert.Equal(t, "tok-spec", room.Players[2].Token)
	assert.Equal(t, 1, countOfType(sender, "sock-spec", protocol.MsgPromotedToPlayer))
}

func TestSuicide_OnlyCurrentPlayer(t *testing.T) {
	_, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\n")

	// 非当前玩家被拒
	assert.Error(t, room.Suicide("tok-1"))

	// 当前玩家放弃 → 扣命
	require.NoError(t, room.Suicide("tok-host"))
	lost := lastOfType[protocol.PlayerLostLifePayload](t, sender, "sock-1", protocol.MsgPlayerLostLife)
	require.NotNil(t, lost)
	assert.Equal(t, "tok-host", lost.Token)
}

func TestRequestNewSyllable_BlockedInsideControlWindow(t *testing.T) {
	_, _, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")

	before := currentSyllable(room)
	// 回合刚开始，仍在服务端独占窗口内：静默忽略
	require.NoError(t, room.RequestNewSyllable())
	assert.Equal(t, before, currentSyllable(room))

	// 窗口过期后接受
	room.mu.Lock()
	room.Game.ServerControlledUntil = time.Now().Add(-time.Second)
	room.mu.Unlock()
	require.NoError(t, room.RequestNewSyllable())
	assert.NotEqual(t, before, currentSyllable(room))
}

func TestEvictPlayer_ResumesAndRemoves(t *testing.T) {
	m, sender, room := startedRoom(t, "BONJOUR\nBONBON\nMAISON\nCHANSON\n")

	// 当前玩家（房主）掉线：标记 + 暂停
	_, isCurrent := m.MarkDisconnected(room.ID, "tok-host")
	require.True(t, isCurrent)
	room.Pause("joueur déconnecté")
	require.True(t, room.IsPaused())

	// 宽限耗尽：回合越过、恢复、移除
	got, deleted, newHost := m.EvictPlayer(room.ID, "tok-host")
	require.NotNil(t, got)
	assert.False(t, deleted)
	assert.Equal(t, "tok-1", newHost)

	assert.False(t, room.IsPaused())
	require.Len(t, room.Players, 1)
	assert.Equal(t, "tok-1", room.Players[0].Token)
	assert.Equal(t, "tok-1", room.CurrentPlayerToken())
	assert.Positive(t, countOfType(sender, "sock-1", protocol.MsgGameResumed))
}
