package apperrors

import (
	"github.com/croquemot/croquemot/internal/protocol"
)

// GameError 游戏错误（房间和回合共享）
type GameError struct {
	Code    int
	Message string
}

func (e *GameError) Error() string {
	return e.Message
}

// 预定义错误
var (
	ErrRoomNotFound = &GameError{Code: protocol.ErrCodeRoomNotFound, Message: "Salle introuvable"}
	ErrRoomFull     = &GameError{Code: protocol.ErrCodeRoomFull, Message: "Salle pleine"}
	ErrGameOngoing  = &GameError{Code: protocol.ErrCodeGameOngoing, Message: "Partie en cours"}
	ErrNotInRoom    = &GameError{Code: protocol.ErrCodeNotInRoom, Message: "Vous n'êtes pas dans cette salle"}
	ErrNotHost      = &GameError{Code: protocol.ErrCodeNotHost, Message: "Réservé à l'hôte"}
	ErrGameNotStart = &GameError{Code: protocol.ErrCodeGameNotStart, Message: "La partie n'a pas commencé"}
	ErrNotYourTurn  = &GameError{Code: protocol.ErrCodeNotYourTurn, Message: "Ce n'est pas votre tour"}
	ErrTooFast      = &GameError{Code: protocol.ErrCodeTooFast, Message: "Trop rapide!"}
	ErrNotReady     = &GameError{Code: protocol.ErrCodeNotReady, Message: "not_ready"}
)
