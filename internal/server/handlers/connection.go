package handlers

import (
	"context"
	"time"

	"github.com/croquemot/croquemot/internal/protocol"
)

// handlePing 心跳
func (h *Handler) handlePing(client ClientInterface) {
	client.SendMessage(protocol.MustNewMessage(protocol.MsgPong, protocol.PongPayload{
		ServerTimestamp: time.Now().UnixMilli(),
	}))
}

// handleRegister 绑定会话令牌。令牌由客户端生成并跨重连持久；
// 同一令牌再次注册时旧 socket 被解绑，宽限回调随之作废。
func (h *Handler) handleRegister(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.RegisterPayload](msg)
	if err != nil || payload.Token == "" {
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
		return
	}

	sess := h.server.GetSessions().Register(payload.Token, client.GetID())
	client.SetToken(payload.Token)

	// 访问日志异步落盘，失败不影响注册
	go func(ip string) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = h.server.GetUserLog().Record(ctx, ip, "")
	}(client.GetIP())

	client.SendMessage(protocol.MustNewMessage(protocol.MsgRegistered, protocol.RegisteredPayload{
		Token:    payload.Token,
		SocketID: client.GetID(),
	}))

	// 宽限期内重连：恢复房间里的玩家
	if roomID := sess.GetRoomID(); roomID != "" {
		h.restoreToRoom(client, roomID, payload.Token)
	}
}

// restoreToRoom 宽限期内的重连恢复：清掉线标记、下发房间状态、
// 该玩家是当前回合且房间暂停时恢复计时。
func (h *Handler) restoreToRoom(client ClientInterface, roomID, token string) {
	room := h.server.GetRooms().MarkReconnected(roomID, token, client.GetID())
	if room == nil {
		return
	}

	client.SendMessage(protocol.MustNewMessage(protocol.MsgRoomJoined, room.StatePayload(true)))
	room.Broadcast(protocol.MustNewMessage(protocol.MsgPlayerReconnected, protocol.PlayerConnectionPayload{
		Token:      token,
		PlayerName: room.PlayerName(token),
	}))

	if room.CurrentPlayerToken() == token {
		room.Resume()
	}
}
