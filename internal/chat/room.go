// Package chat models paired rooms and the transcripts kept for text rooms.
package chat

import (
	"strconv"
	"time"

	"github.com/whisper/strangers/internal/matching"
)

// Room is a live pairing of two connections. Transcript is nil for video
// rooms.
//
// ID is the display form sent in reports and repeats when the same ordered
// pair meets again. Key is never reused by the opener and is what sessions
// and the room table hold.
type Room struct {
	ID         string
	Key        string
	Kind       matching.Kind
	A          string // requester
	B          string // candidate taken from the queue
	CreatedAt  time.Time
	Transcript *Transcript
}

// RoomID builds the display identifier, requester first.
func RoomID(kind matching.Kind, requester, candidate string) string {
	return string(kind) + "_" + requester + "_" + candidate
}

// NewRoom opens a room between requester and candidate. seq must be unique
// per opener; it makes Key distinct from every earlier room.
func NewRoom(kind matching.Kind, requester, candidate string, seq uint64, now time.Time) *Room {
	id := RoomID(kind, requester, candidate)
	r := &Room{
		ID:        id,
		Key:       id + "#" + strconv.FormatUint(seq, 10),
		Kind:      kind,
		A:         requester,
		B:         candidate,
		CreatedAt: now,
	}
	if kind == matching.KindChat {
		r.Transcript = &Transcript{}
	}
	return r
}

// Partner returns the other participant, or false if id is not in the room.
func (r *Room) Partner(id string) (string, bool) {
	switch id {
	case r.A:
		return r.B, true
	case r.B:
		return r.A, true
	default:
		return "", false
	}
}
