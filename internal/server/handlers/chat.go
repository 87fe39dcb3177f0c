package handlers

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/croquemot/croquemot/internal/protocol"
)

const (
	// 聊天消息长度上限
	maxChatLength = 300
	// 输入同步文字上限
	maxTypingLength = 100
)

// handleTypingUpdate 输入中的文字转发给房间其他人
func (h *Handler) handleTypingUpdate(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.TypingUpdatePayload](msg)
	if err != nil {
		return
	}

	room, _, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		return
	}

	text := payload.Text
	if len(text) > maxTypingLength {
		text = text[:maxTypingLength]
	}

	room.BroadcastExcept(client.GetID(), protocol.MustNewMessage(protocol.MsgPlayerTyping, protocol.PlayerTypingPayload{
		Text:       text,
		PlayerName: payload.PlayerName,
		Accepted:   payload.Accepted,
	}))
}

// handleChatMessage 聊天消息：截断 + HTML 转义后转发。
// 员工身份由外部提供的员工令牌解析；机器人代言只接受房主。
func (h *Handler) handleChatMessage(client ClientInterface, msg *protocol.Message) {
	payload, err := protocol.ParsePayload[protocol.ChatPayload](msg)
	if err != nil {
		return
	}

	room, token, err := h.roomForCaller(client, payload.RoomID)
	if err != nil {
		sendGameError(client, err)
		return
	}

	message := strings.TrimSpace(payload.Message)
	if message == "" {
		return
	}
	if len([]rune(message)) > maxChatLength {
		message = string([]rune(message)[:maxChatLength])
	}

	// 机器人代言只允许房主
	isBot := payload.IsBot && room.IsHost(token)

	// 员工角色解析
	isStaff, staffRole := false, ""
	if payload.StaffToken != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		account, ok := h.server.GetStaff().Resolve(ctx, payload.StaffToken)
		cancel()
		if ok {
			isStaff = true
			staffRole = account.Role
		}
	}

	room.Broadcast(protocol.MustNewMessage(protocol.MsgChatMessage, protocol.ChatBroadcastPayload{
		Message:    html.EscapeString(message),
		PlayerName: html.EscapeString(payload.PlayerName),
		Avatar:     payload.Avatar,
		ReplyTo:    payload.ReplyTo,
		IsStaff:    isStaff,
		StaffRole:  staffRole,
		IsBot:      isBot,
		Time:       time.Now().UnixMilli(),
	}))
}
