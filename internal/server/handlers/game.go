package handlers

import (
	"github.com/croquemot/croquemot/internal/protocol"
)

// handleStartGame 开局（仅房主）
func (h *Handler) handleStartGame(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.StartGamePayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := requireHost(room, token); err != nil {
		sendGameError(client, err)
		return
	}
	if err := room.StartGame(payload.Scenario, payload.TrainSyllables); err != nil {
		sendGameError(client, err)
		return
	}
	h.server.BroadcastRoomsList()
}

// handleNewSyllable 旧版客户端引擎的音节请求，
// 服务端独占窗口内静默忽略，场景过滤不可绕过
func (h *Handler) handleNewSyllable(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.NewSyllablePayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, _, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := room.RequestNewSyllable(); err != nil {
		sendGameError(client, err)
	}
}

// handleSubmitWord 提交单词。校验始终用服务端自己的音节。
func (h *Handler) handleSubmitWord(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.SubmitWordPayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := room.SubmitWord(token, payload.Word); err != nil {
		sendGameError(client, err)
	}
}

// handleLoseLife 扣生命（仅房主，用于本地机器人）
func (h *Handler) handleLoseLife(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.LoseLifePayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := requireHost(room, token); err != nil {
		sendGameError(client, err)
		return
	}
	if err := room.HandleLoseLife(payload.PlayerID); err != nil {
		sendGameError(client, err)
	}
}

// handleEndGame 结束游戏（仅房主）
func (h *Handler) handleEndGame(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.RoomIDPayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := requireHost(room, token); err != nil {
		sendGameError(client, err)
		return
	}
	room.EndGame()
	h.server.BroadcastRoomsList()
}

// handleSuicideRequest 当前回合玩家主动放弃
func (h *Handler) handleSuicideRequest(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.RoomIDPayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if err := room.Suicide(token); err != nil {
		sendGameError(client, err)
	}
}
