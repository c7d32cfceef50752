package relay

import (
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/protocol"
)

// Handler processes one decoded client message for a connection.
type Handler func(connID string, msg interface{})

// Routes maps every client message type except ping to its handler. A
// handler turns a returned Condition into an event for the caller only.
// report_user returns at once and files the report on its own goroutine.
func (e *Engine) Routes() map[string]Handler {
	return map[string]Handler{
		protocol.TypeFindStranger: func(id string, _ interface{}) {
			e.RequestPairing(id, matching.KindChat)
		},
		protocol.TypeFindVideoPartner: func(id string, _ interface{}) {
			e.RequestPairing(id, matching.KindVideo)
		},
		protocol.TypeNextChat: func(id string, _ interface{}) {
			e.SkipChat(id)
		},
		protocol.TypeEndCall: func(id string, _ interface{}) {
			e.EndVideoCall(id)
		},
		protocol.TypeTyping: func(id string, _ interface{}) {
			e.Typing(id)
		},
		protocol.TypeStopTyping: func(id string, _ interface{}) {
			e.StopTyping(id)
		},
		protocol.TypeMessage: func(id string, msg interface{}) {
			m, ok := msg.(protocol.ChatMsg)
			if !ok {
				e.fail(id, protocol.TypeMessage, ErrInvalidPayload)
				return
			}
			e.fail(id, protocol.TypeMessage, e.SendChatMessage(id, m.Text))
		},
		protocol.TypeVideoChatMessage: func(id string, msg interface{}) {
			m, ok := msg.(protocol.VideoChatMsg)
			if !ok {
				e.fail(id, protocol.TypeVideoChatMessage, ErrInvalidPayload)
				return
			}
			e.fail(id, protocol.TypeVideoChatMessage, e.SendVideoChatMessage(id, m.Text))
		},
		protocol.TypeVideoSignal: func(id string, msg interface{}) {
			m, ok := msg.(protocol.VideoSignalMsg)
			if !ok {
				e.fail(id, protocol.TypeVideoSignal, ErrInvalidPayload)
				return
			}
			e.ForwardSignal(id, m.SignalData)
		},
		protocol.TypeReportUser: func(id string, msg interface{}) {
			m, ok := msg.(protocol.ReportUserMsg)
			if !ok {
				e.fail(id, protocol.TypeReportUser, ErrInvalidPayload)
				return
			}
			e.pending.Add(1)
			go func() {
				defer e.pending.Done()
				e.fail(id, protocol.TypeReportUser, e.ReportUser(id, m.Kind, m.Reason, m.CallDuration))
			}()
		},
	}
}

// Wait blocks until every report started through Routes has returned.
func (e *Engine) Wait() {
	e.pending.Wait()
}

// fail sends err to id as its condition's event. A nil err does nothing.
func (e *Engine) fail(id, msgType string, err error) {
	if err == nil {
		return
	}
	c := AsCondition(err)
	if c.Internal != nil {
		e.log.Warn("request failed",
			zap.String("conn", id),
			zap.String("type", msgType),
			zap.String("code", c.Code),
			zap.Error(c.Internal),
		)
	}
	e.notifier.Notify(id, c.Payload())
}
