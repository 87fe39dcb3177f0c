package handlers

import (
	"log"

	"github.com/croquemot/croquemot/internal/apperrors"
	"github.com/croquemot/croquemot/internal/config"
	"github.com/croquemot/croquemot/internal/dictionary"
	"github.com/croquemot/croquemot/internal/logger"
	"github.com/croquemot/croquemot/internal/protocol"
	"github.com/croquemot/croquemot/internal/server/game"
	"github.com/croquemot/croquemot/internal/server/session"
	"github.com/croquemot/croquemot/internal/server/storage"
)

// ServerContext 处理器依赖的服务端能力
type ServerContext interface {
	GetConfig() *config.Config
	GetDictionary() *dictionary.Index
	GetSessions() *session.Registry
	GetRooms() *game.Manager
	GetStaff() *storage.StaffManager
	GetUserLog() *storage.UserLog
	SendToSocket(socketID string, msg *protocol.Message)
	BroadcastRoomsList()
}

// ClientInterface 处理器眼中的客户端连接
type ClientInterface interface {
	GetID() string
	GetIP() string
	GetToken() string
	SetToken(token string)
	SendMessage(msg *protocol.Message)
	Close()
}

// Handler 消息处理器
type Handler struct {
	server ServerContext
}

// NewHandler 创建处理器
func NewHandler(s ServerContext) *Handler {
	return &Handler{server: s}
}

// Handle 处理消息。处理器内的 panic 在此兜底，
// 单个房间的异常不允许拖垮进程。
func (h *Handler) Handle(client ClientInterface, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r)
			client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeUnknown))
		}
	}()

	switch msg.Type {
	// 连接操作
	case protocol.MsgPing:
		h.handlePing(client)
	case protocol.MsgRegister:
		h.handleRegister(client, msg)

	// 大厅操作
	case protocol.MsgGetRooms:
		h.handleGetRooms(client)
	case protocol.MsgCreateRoom:
		h.handleCreateRoom(client, msg)
	case protocol.MsgJoinRoom:
		h.handleJoinRoom(client, msg)
	case protocol.MsgLeaveRoom:
		h.handleLeaveRoom(client)
	case protocol.MsgDeleteRoom:
		h.handleDeleteRoom(client, msg)

	// 房间操作
	case protocol.MsgToggleReady:
		h.handleToggleReady(client, msg)
	case protocol.MsgUpdateSettings:
		h.handleUpdateSettings(client, msg)
	case protocol.MsgUpdateBotCount:
		h.handleUpdateBotCount(client, msg)

	// 游戏操作
	case protocol.MsgStartGame:
		h.handleStartGame(client, msg)
	case protocol.MsgNewSyllable:
		h.handleNewSyllable(client, msg)
	case protocol.MsgSubmitWord:
		h.handleSubmitWord(client, msg)
	case protocol.MsgLoseLife:
		h.handleLoseLife(client, msg)
	case protocol.MsgEndGame:
		h.handleEndGame(client, msg)
	case protocol.MsgSuicideRequest:
		h.handleSuicideRequest(client, msg)

	// 社交操作
	case protocol.MsgTypingUpdate:
		h.handleTypingUpdate(client, msg)
	case protocol.MsgChatMessage:
		h.handleChatMessage(client, msg)

	default:
		log.Printf("未知消息类型: %s", msg.Type)
		client.SendMessage(protocol.NewErrorMessage(protocol.ErrCodeInvalidMsg))
	}
}

// sendGameError 把游戏错误转成协议错误发给调用方
func sendGameError(client ClientInterface, err error) {
	if gameErr, ok := err.(*apperrors.GameError); ok {
		client.SendMessage(protocol.NewErrorMessageWithText(gameErr.Code, gameErr.Message))
		return
	}
	client.SendMessage(protocol.NewErrorMessageWithText(protocol.ErrCodeUnknown, err.Error()))
}

// roomForCaller 解析 roomId 并确认调用方已注册会话
func (h *Handler) roomForCaller(client ClientInterface, roomID string) (*game.Room, string, error) {
	token := client.GetToken()
	if token == "" {
		return nil, "", apperrors.ErrNotInRoom
	}
	if roomID == "" {
		if sess := h.server.GetSessions().GetSessionByToken(token); sess != nil {
			roomID = sess.GetRoomID()
		}
	}
	room := h.server.GetRooms().GetRoom(roomID)
	if room == nil {
		return nil, "", apperrors.ErrRoomNotFound
	}
	return room, token, nil
}

// requireHost 房主权限校验
func requireHost(room *game.Room, token string) error {
	if !room.IsHost(token) {
		return apperrors.ErrNotHost
	}
	return nil
}
