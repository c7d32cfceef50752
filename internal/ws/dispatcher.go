package ws

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/protocol"
)

// Sender queues an encoded event for a connection.
type Sender interface {
	Notify(connID string, msg []byte)
}

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(connID string, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by message
// type. Ping is answered here; malformed and unregistered messages get an
// error event.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	sender   Sender
	log      *zap.Logger
}

// NewMessageDispatcher creates a dispatcher replying through sender.
func NewMessageDispatcher(sender Sender) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		sender:   sender,
		log:      logger.WithModule("dispatch"),
	}
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's message callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			d.log.Debug("unsupported message type", zap.String("conn", conn.ID), zap.Error(err))
			d.sendError(conn.ID, "unsupported_type", "unsupported message type")
			return
		}
		d.log.Debug("invalid payload", zap.String("conn", conn.ID), zap.Error(err))
		d.sendError(conn.ID, "invalid_payload", "The message could not be understood.")
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch(time.Now())
		d.sender.Notify(conn.ID, protocol.MustServerMessage(protocol.TypePong, nil))
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.sendError(conn.ID, "unsupported_type", "unsupported message type")
		return
	}
	handler(conn.ID, msg)
}

func (d *MessageDispatcher) sendError(connID, code, message string) {
	d.sender.Notify(connID, protocol.MustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	}))
}
