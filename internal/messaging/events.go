package messaging

import "time"

// ReportFiled is published after a report is stored.
type ReportFiled struct {
	ReportID     string    `json:"report_id"`
	Kind         string    `json:"kind"`
	RoomID       string    `json:"room_id"`
	ReporterID   string    `json:"reporter_id"`
	ReportedID   string    `json:"reported_id"`
	ReportedAddr string    `json:"reported_addr"`
	Entries      int       `json:"transcript_entries"`
	FiledAt      time.Time `json:"filed_at"`
}

// BanApplied is published when an admin bans an address. Relays evict live
// connections from Address.
type BanApplied struct {
	Address  string    `json:"address"`
	Reason   string    `json:"reason"`
	ReportID string    `json:"report_id,omitempty"`
	BannedAt time.Time `json:"banned_at"`
}
