package chat

import "time"

// Entry is one transcript line.
type Entry struct {
	SenderID  string    `json:"sender_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript records every message relayed in a chat room, oldest first. It is
// owned by its room and is not safe for concurrent use.
type Transcript struct {
	entries []Entry
}

func (t *Transcript) Append(e Entry) {
	t.entries = append(t.entries, e)
}

// Entries returns a copy that stays valid after the room is gone.
func (t *Transcript) Entries() []Entry {
	if t == nil {
		return []Entry{}
	}
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
