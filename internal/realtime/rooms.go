package realtime

import (
	"errors"
	"fmt"
)

// Room messages. Each operation is sent in the primary shape (room name as
// the argument) and the legacy shape ({"room": name}) so both server
// generations route it.
const (
	msgJoinRoom  = "joinRoom"
	msgJoin      = "join"
	msgLeaveRoom = "leaveRoom"
	msgLeave     = "leave"
)

// Emitter sends an event over the connection
type Emitter interface {
	Emit(event string, args ...any) error
}

type legacyRoom struct {
	Room string `json:"room"`
}

func sellerRoom(prefix, sellerID string) string {
	return prefix + sellerID
}

func joinRoom(e Emitter, room string) error {
	return sendRoom(e, msgJoinRoom, msgJoin, room)
}

func leaveRoom(e Emitter, room string) error {
	return sendRoom(e, msgLeaveRoom, msgLeave, room)
}

func sendRoom(e Emitter, primary, legacy, room string) error {
	var errs []error
	if err := e.Emit(primary, room); err != nil {
		errs = append(errs, fmt.Errorf("%s %s: %w", primary, room, err))
	}
	if err := e.Emit(legacy, legacyRoom{Room: room}); err != nil {
		errs = append(errs, fmt.Errorf("%s %s: %w", legacy, room, err))
	}
	return errors.Join(errs...)
}
