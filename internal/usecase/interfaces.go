package usecase

import "castlemate/pkg/chatproto"

// Realtime is the fan-out surface of the WebSocket manager as seen by
// usecases. Implemented by infrastructure/websocket.Manager.
type Realtime interface {
	SendToUser(userID string, event chatproto.Event)
	BroadcastToRoom(conversationID string, event chatproto.Event, exceptUserID string)
	IsOnline(userID string) bool
}
