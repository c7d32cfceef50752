// Package relay pairs anonymous connections into two-party rooms and relays
// chat lines, typing indicators and video signaling between the partners.
//
// All registry, queue and room state lives behind one mutex. Outbound events
// are handed to a Notifier whose Notify must not block, so events emitted
// under the lock keep their order per recipient.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/protocol"
	"github.com/whisper/strangers/internal/report"
	"github.com/whisper/strangers/internal/session"
)

// Notifier delivers an encoded event to one connection. Notify is called with
// the engine lock held and must only enqueue.
type Notifier interface {
	Notify(connID string, msg []byte)
}

// Moderator persists a report. Satisfied by *moderation.Service.
type Moderator interface {
	File(ctx context.Context, r *report.Report) error
}

// Options tune the engine. Zero values take the defaults below.
type Options struct {
	ReportLimit  int
	ReportWindow time.Duration
	SaveTimeout  time.Duration
	Now          func() time.Time
}

const (
	defaultReportLimit  = 3
	defaultReportWindow = time.Minute
	defaultSaveTimeout  = 5 * time.Second
)

// Engine is the pairing and relay core. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	sessions *session.Registry
	queues   map[matching.Kind]*matching.Queue
	rooms    map[string]*chat.Room // by Room.Key
	active   map[matching.Kind]int
	seq      uint64

	notifier    Notifier
	moderator   Moderator
	pending     sync.WaitGroup
	saveTimeout time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// New creates an engine delivering through notifier and filing reports with
// moderator.
func New(notifier Notifier, moderator Moderator, opts Options) *Engine {
	if opts.ReportLimit <= 0 {
		opts.ReportLimit = defaultReportLimit
	}
	if opts.ReportWindow <= 0 {
		opts.ReportWindow = defaultReportWindow
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	queues := make(map[matching.Kind]*matching.Queue, len(matching.Kinds))
	for _, k := range matching.Kinds {
		queues[k] = matching.NewQueue()
	}

	return &Engine{
		sessions:    session.NewRegistry(opts.ReportLimit, opts.ReportWindow),
		queues:      queues,
		rooms:       make(map[string]*chat.Room),
		active:      make(map[matching.Kind]int),
		notifier:    notifier,
		moderator:   moderator,
		saveTimeout: opts.SaveTimeout,
		now:         opts.Now,
		log:         logger.WithModule("relay"),
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers a connection and sends it session_created. A repeated id
// is ignored.
func (e *Engine) Connect(id, addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, created := e.sessions.Add(context.Background(), id, addr, e.now()); !created {
		return
	}
	e.notifier.Notify(id, protocol.MustServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{SessionID: id}))
	e.log.Debug("connected", zap.String("conn", id), zap.String("addr", addr))
}

// Disconnect tears down everything the connection holds: its partners are
// told it disconnected and searched for again, it leaves every queue, and its
// context is cancelled. Later calls for the same id do nothing.
func (e *Engine) Disconnect(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions.Get(id)
	if !ok {
		return
	}

	var held []*chat.Room
	for _, k := range matching.Kinds {
		if r := e.roomLocked(s, k); r != nil {
			held = append(held, r)
		}
		e.queues[k].Remove(id)
	}
	e.sessions.Remove(id)

	for _, r := range held {
		peer := e.closeRoomLocked(r, id, protocol.ReasonDisconnected, false)
		if peer != "" {
			e.pairLocked(peer, r.Kind)
		}
	}
	e.refreshGaugesLocked()
	e.log.Debug("disconnected", zap.String("conn", id), zap.Int("rooms_closed", len(held)))
}

// SessionsFrom returns the ids of live connections from addr.
func (e *Engine) SessionsFrom(addr string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.ByAddr(addr)
}

// ---------------------------------------------------------------------------
// Pairing
// ---------------------------------------------------------------------------

// RequestPairing pairs id with the oldest valid waiting connection of kind, or
// queues it. It does nothing if id already holds a room of kind.
func (e *Engine) RequestPairing(id string, kind matching.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pairLocked(id, kind)
	e.refreshGaugesLocked()
}

// SkipChat closes the current chat room, if any, and searches again. The
// former partner searches first, so when nobody else is waiting the two are
// paired again.
func (e *Engine) SkipChat(id string) {
	e.leaveAndSearch(id, matching.KindChat)
}

// EndVideoCall closes the current video room, if any, and searches again.
func (e *Engine) EndVideoCall(id string) {
	e.leaveAndSearch(id, matching.KindVideo)
}

func (e *Engine) leaveAndSearch(id string, kind matching.Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions.Get(id)
	if !ok {
		return
	}
	if r := e.roomLocked(s, kind); r != nil {
		if peer := e.closeRoomLocked(r, id, protocol.ReasonSkipped, false); peer != "" {
			e.pairLocked(peer, kind)
		}
	}
	e.pairLocked(id, kind)
	e.refreshGaugesLocked()
}

// pairLocked runs one pairing attempt for id: the head of the queue is popped
// until a connected, unpaired candidate turns up, and id is queued if none
// does. Stale entries are dropped.
func (e *Engine) pairLocked(id string, kind matching.Kind) {
	s, ok := e.sessions.Get(id)
	if !ok || s.Room(kind) != "" {
		return
	}

	q := e.queues[kind]
	q.Remove(id)
	now := e.now()

	for {
		cand, ok := q.Pop()
		if !ok {
			break
		}
		cs, ok := e.sessions.Get(cand.ID)
		if !ok || cs.Room(kind) != "" {
			e.log.Debug("dropped stale queue entry", zap.String("conn", cand.ID), zap.String("kind", string(kind)))
			continue
		}
		e.openRoomLocked(kind, s, cs, now, cand.JoinedAt)
		return
	}
	q.Enqueue(id, now)
}

func (e *Engine) openRoomLocked(kind matching.Kind, requester, candidate *session.Session, now, waitingSince time.Time) {
	e.seq++
	r := chat.NewRoom(kind, requester.ID, candidate.ID, e.seq, now)
	e.rooms[r.Key] = r
	e.active[kind]++
	requester.SetRoom(kind, r.Key)
	candidate.SetRoom(kind, r.Key)

	if kind == matching.KindVideo {
		e.notifier.Notify(requester.ID, protocol.MustServerMessage(protocol.TypeVideoPartnerFound, protocol.VideoPartnerFoundMsg{Initiator: true}))
		e.notifier.Notify(candidate.ID, protocol.MustServerMessage(protocol.TypeVideoPartnerFound, protocol.VideoPartnerFoundMsg{Initiator: false}))
	} else {
		found := protocol.MustServerMessage(protocol.TypePartnerFound, nil)
		e.notifier.Notify(requester.ID, found)
		e.notifier.Notify(candidate.ID, found)
	}

	metrics.PairingsTotal.WithLabelValues(string(kind)).Inc()
	metrics.PairWait.WithLabelValues(string(kind)).Observe(now.Sub(waitingSince).Seconds())
	e.log.Debug("paired", zap.String("room", r.ID), zap.String("kind", string(kind)))
}

// closeRoomLocked destroys r and clears both participants' room pointers. The
// participant other than actor is notified with reason; actor is notified too
// when notifyActor is set. It returns the other participant if still
// connected.
func (e *Engine) closeRoomLocked(r *chat.Room, actor, reason string, notifyActor bool) string {
	if e.rooms[r.Key] != r {
		return ""
	}
	delete(e.rooms, r.Key)
	e.active[r.Kind]--

	event, payload := protocol.TypePartnerLeft, interface{}(protocol.PartnerLeftMsg{Reason: reason})
	if r.Kind == matching.KindVideo {
		event, payload = protocol.TypeCallEnded, protocol.CallEndedMsg{Reason: reason}
	}
	msg := protocol.MustServerMessage(event, payload)

	peer, _ := r.Partner(actor)
	live := ""
	for _, id := range []string{r.A, r.B} {
		s, ok := e.sessions.Get(id)
		if !ok {
			continue
		}
		if s.Room(r.Kind) == r.Key {
			s.SetRoom(r.Kind, "")
		}
		if id == peer {
			live = peer
			e.notifier.Notify(id, msg)
		} else if notifyActor {
			e.notifier.Notify(id, msg)
		}
	}
	return live
}

// roomLocked returns the room s holds for kind, or nil.
func (e *Engine) roomLocked(s *session.Session, kind matching.Kind) *chat.Room {
	key := s.Room(kind)
	if key == "" {
		return nil
	}
	return e.rooms[key]
}

func (e *Engine) refreshGaugesLocked() {
	for _, k := range matching.Kinds {
		metrics.QueueSize.WithLabelValues(string(k)).Set(float64(e.queues[k].Len()))
		metrics.ActiveRooms.WithLabelValues(string(k)).Set(float64(e.active[k]))
	}
}

// ---------------------------------------------------------------------------
// Relay
// ---------------------------------------------------------------------------

// SendChatMessage relays text to the chat partner and records it in the
// room's transcript.
func (e *Engine) SendChatMessage(id, text string) error {
	if err := chat.ValidateMessage(text); err != nil {
		return ErrInvalidMessage.WithInternal(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	peer, r := e.partnerLocked(id, matching.KindChat)
	if r == nil {
		return ErrNoPartner
	}
	r.Transcript.Append(chat.Entry{SenderID: id, Message: text, Timestamp: e.now()})
	e.notifier.Notify(peer, protocol.MustServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{From: id, Text: text}))
	metrics.RelayedTotal.WithLabelValues(protocol.TypeMessage).Inc()
	return nil
}

// Typing relays partner_typing. Outside a chat room it does nothing.
func (e *Engine) Typing(id string) {
	e.relayBare(id, protocol.TypePartnerTyping)
}

// StopTyping relays partner_stop_typing. Outside a chat room it does nothing.
func (e *Engine) StopTyping(id string) {
	e.relayBare(id, protocol.TypePartnerStopTyping)
}

func (e *Engine) relayBare(id, event string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, r := e.partnerLocked(id, matching.KindChat)
	if r == nil {
		return
	}
	e.notifier.Notify(peer, protocol.MustServerMessage(event, nil))
	metrics.RelayedTotal.WithLabelValues(event).Inc()
}

// ForwardSignal passes a signaling payload to the video partner unchanged.
// Outside a video room the signal is dropped.
func (e *Engine) ForwardSignal(id string, data json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()

	peer, r := e.partnerLocked(id, matching.KindVideo)
	if r == nil {
		return
	}
	e.notifier.Notify(peer, protocol.MustServerMessage(protocol.TypeVideoSignal, protocol.ServerVideoSignalMsg{SignalData: data}))
	metrics.RelayedTotal.WithLabelValues(protocol.TypeVideoSignal).Inc()
}

// SendVideoChatMessage relays text to the video partner without recording it.
func (e *Engine) SendVideoChatMessage(id, text string) error {
	if err := chat.ValidateMessage(text); err != nil {
		return ErrInvalidMessage.WithInternal(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	peer, r := e.partnerLocked(id, matching.KindVideo)
	if r == nil {
		return ErrNoPartner
	}
	e.notifier.Notify(peer, protocol.MustServerMessage(protocol.TypeVideoChatMessage, protocol.ServerVideoChatMsg{Text: text}))
	metrics.RelayedTotal.WithLabelValues(protocol.TypeVideoChatMessage).Inc()
	return nil
}

// partnerLocked returns the partner of id and their shared room of kind, or a
// nil room.
func (e *Engine) partnerLocked(id string, kind matching.Kind) (string, *chat.Room) {
	s, ok := e.sessions.Get(id)
	if !ok {
		return "", nil
	}
	r := e.roomLocked(s, kind)
	if r == nil {
		return "", nil
	}
	peer, ok := r.Partner(id)
	if !ok {
		return "", nil
	}
	return peer, r
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Stats is a point-in-time view of the engine.
type Stats struct {
	Sessions int
	Queued   map[matching.Kind]int
	Rooms    map[matching.Kind]int
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Sessions: e.sessions.Len(),
		Queued:   make(map[matching.Kind]int, len(matching.Kinds)),
		Rooms:    make(map[matching.Kind]int, len(matching.Kinds)),
	}
	for _, k := range matching.Kinds {
		st.Queued[k] = e.queues[k].Len()
		st.Rooms[k] = e.active[k]
	}
	return st
}

// Queued returns the waiting ids of kind, head first.
func (e *Engine) Queued(kind matching.Kind) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues[kind].IDs()
}

// RoomOf returns the display id of the room id holds for kind, or "".
func (e *Engine) RoomOf(id string, kind matching.Kind) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions.Get(id)
	if !ok {
		return ""
	}
	if r := e.roomLocked(s, kind); r != nil {
		return r.ID
	}
	return ""
}
