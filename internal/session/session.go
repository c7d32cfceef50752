// Package session tracks live connections and the room each one holds per
// pairing kind. The registry is owned by the relay engine and guarded by its
// lock.
package session

import (
	"context"
	"time"

	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/ratelimit"
)

// Session is the state kept for one live connection.
type Session struct {
	ID          string
	Addr        string
	ConnectedAt time.Time
	ChatRoom    string
	VideoRoom   string
	Reports     *ratelimit.Window

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the session is removed from the registry.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Room returns the key of the room held for kind, or "".
func (s *Session) Room(kind matching.Kind) string {
	if kind == matching.KindVideo {
		return s.VideoRoom
	}
	return s.ChatRoom
}

func (s *Session) SetRoom(kind matching.Kind, roomKey string) {
	if kind == matching.KindVideo {
		s.VideoRoom = roomKey
		return
	}
	s.ChatRoom = roomKey
}

// Registry maps connection ids to sessions. It is not safe for concurrent use.
type Registry struct {
	sessions    map[string]*Session
	reportLimit int
	reportSpan  time.Duration
}

// NewRegistry creates a registry whose sessions allow reportLimit reports per
// reportSpan.
func NewRegistry(reportLimit int, reportSpan time.Duration) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		reportLimit: reportLimit,
		reportSpan:  reportSpan,
	}
}

// Add creates a zero-state session. An existing session with the same id is
// returned unchanged and created is false.
func (r *Registry) Add(parent context.Context, id, addr string, now time.Time) (s *Session, created bool) {
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	ctx, cancel := context.WithCancel(parent)
	s = &Session{
		ID:          id,
		Addr:        addr,
		ConnectedAt: now,
		Reports:     ratelimit.NewWindow(r.reportLimit, r.reportSpan),
		ctx:         ctx,
		cancel:      cancel,
	}
	r.sessions[id] = s
	return s, true
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the session and cancels its context. It returns nil if id is
// unknown.
func (r *Registry) Remove(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	s.cancel()
	return s
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// ByAddr returns the ids of every session connected from addr.
func (r *Registry) ByAddr(addr string) []string {
	var ids []string
	for id, s := range r.sessions {
		if s.Addr == addr {
			ids = append(ids, id)
		}
	}
	return ids
}
