package handlers

import (
	"errors"

	"github.com/croquemot/croquemot/internal/apperrors"
	"github.com/croquemot/croquemot/internal/protocol"
)

// handleGetRooms 返回大厅房间列表
func (h *Handler) handleGetRooms(client ClientInterface) {
	client.SendMessage(protocol.MustNewMessage(protocol.MsgRoomsList, protocol.RoomsListPayload{
		Rooms: h.server.GetRooms().GetPublicRooms(),
	}))
}

// handleCreateRoom 创建房间，房主隐式就绪
func (h *Handler) handleCreateRoom(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.CreateRoomPayload](msg)
	if err != nil {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	token := client.GetToken()
	if token == "" {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeUnauthorized))
		return
	}

	// 已在别的房间则先离开
	sess := h.server.GetSessions().GetSessionByToken(token)
	if sess != nil && sess.GetRoomID() != "" {
		h.leaveCurrentRoom(client, token)
	}

	room, err := h.server.GetRooms().CreateRoom(payload, client.GetID(), token)
	if err != nil {
		sendGameError(client, err)
		return
	}
	if sess != nil {
		sess.SetRoomID(room.ID)
	}

	client.SendMessage(protocol.MustNewMessage(protocol.MsgRoomCreated, room.StatePayload(false)))
	h.server.BroadcastRoomsList()
}

// handleJoinRoom 加入房间。游戏进行中的到场者转为等待观战。
func (h *Handler) handleJoinRoom(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.JoinRoomPayload](msg)
	if err != nil || payload.Token == "" {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	// joinRoom 自带令牌，未注册的客户端在这里建立会话
	sess := h.server.GetSessions().Register(payload.Token, client.GetID())
	client.SetToken(payload.Token)

	result, err := h.server.GetRooms().JoinRoom(
		payload.RoomID, payload.PlayerData, client.GetID(), payload.Token, payload.WasHost)

	if err != nil {
		var gameErr *apperrors.GameError
		if errors.As(err, &gameErr) && gameErr == apperrors.ErrGameOngoing {
			h.joinAsSpectator(client, payload)
			return
		}
		code, message := protocol.ErrCodeUnknown, err.Error()
		if errors.As(err, &gameErr) {
			code, message = gameErr.Code, gameErr.Message
		}
		client.SendMessage(protocol.MustNewMessage(protocol.MsgJoinError, protocol.JoinErrorPayload{
			Code:    code,
			Message: message,
		}))
		return
	}

	room := result.Room
	sess.SetRoomID(room.ID)

	client.SendMessage(protocol.MustNewMessage(protocol.MsgRoomJoined, room.StatePayload(result.Reconnected)))

	if result.Reconnected {
		room.Broadcast(protocol.MustNewMessage(protocol.MsgPlayerReconnected, protocol.PlayerConnectionPayload{
			Token:      payload.Token,
			PlayerName: room.PlayerName(payload.Token),
		}))
		if room.CurrentPlayerToken() == payload.Token {
			room.Resume()
		}
	} else {
		room.BroadcastExcept(client.GetID(), protocol.MustNewMessage(protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{
			Player: room.PlayerInfoFor(payload.Token),
		}))
	}
	h.server.BroadcastRoomsList()
}

// joinAsSpectator 游戏中到场：挂到等待列表，endGame 时转正
func (h *Handler) joinAsSpectator(client ClientInterface, payload *protocol.JoinRoomPayload) {
	room, err := h.server.GetRooms().AddSpectator(
		payload.RoomID, payload.PlayerData, client.GetID(), payload.Token)
	if err != nil {
		sendGameError(client, err)
		return
	}

	if sess := h.server.GetSessions().GetSessionByToken(payload.Token); sess != nil {
		sess.SetRoomID(room.ID)
	}

	client.SendMessage(protocol.MustNewMessage(protocol.MsgJoinedAsSpectator, room.StatePayload(false)))

	// 告知房主有观战者等待
	count, names := room.SpectatorsWaiting()
	if socketID := room.HostSocketID(); socketID != "" {
		h.server.SendToSocket(socketID, protocol.MustNewMessage(protocol.MsgSpectatorsWaiting, protocol.SpectatorsWaitingPayload{
			Count: count,
			Names: names,
		}))
	}
}

// handleLeaveRoom 主动离开
func (h *Handler) handleLeaveRoom(client ClientInterface) {
	token := client.GetToken()
	if token == "" {
		return
	}
	h.leaveCurrentRoom(client, token)
}

// leaveCurrentRoom 离开当前房间并广播
func (h *Handler) leaveCurrentRoom(_ ClientInterface, token string) {
	sess := h.server.GetSessions().GetSessionByToken(token)
	if sess == nil {
		return
	}
	roomID := sess.GetRoomID()
	if roomID == "" {
		return
	}

	room, deleted, newHost := h.server.GetRooms().LeaveRoom(roomID, token)
	sess.SetRoomID("")
	if room == nil {
		return
	}

	if !deleted {
		room.Broadcast(protocol.MustNewMessage(protocol.MsgPlayerLeft, protocol.PlayerLeftPayload{
			Token:      token,
			PlayerName: room.PlayerName(token),
			NewHost:    newHost,
		}))
	}
	h.server.BroadcastRoomsList()
}

// handleDeleteRoom 房主删除房间
func (h *Handler) handleDeleteRoom(client ClientInterface, msg *protocol.Message) {
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

	deleted := h.server.GetRooms().DeleteRoom(room.ID)
	if deleted != nil {
		deleted.Broadcast(protocol.MustNewMessage(protocol.MsgRoomDeleted, protocol.RoomIDPayload{RoomID: deleted.ID}))
		for _, t := range deleted.PlayerTokens() {
			if sess := h.server.GetSessions().GetSessionByToken(t); sess != nil {
				sess.SetRoomID("")
			}
		}
	}
	h.server.BroadcastRoomsList()
}

// handleToggleReady 切换准备状态
func (h *Handler) handleToggleReady(client ClientInterface, msg *protocol.Message) {
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
	if _, err := room.ToggleReady(token); err != nil {
		sendGameError(client, err)
	}
}

// handleUpdateSettings 更新房间设置（仅房主）
func (h *Handler) handleUpdateSettings(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.UpdateSettingsPayload](msg)
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
	if err := room.UpdateSettings(payload.Settings); err != nil {
		sendGameError(client, err)
	}
}

// handleUpdateBotCount 房主同步本地机器人数量
func (h *Handler) handleUpdateBotCount(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.UpdateBotCountPayload](msg)
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
	room.SetBotCount(payload.TotalCount)
	h.server.BroadcastRoomsList()
}
