package relay

import (
	"context"

	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/matching"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/protocol"
	"github.com/whisper/strangers/internal/report"
)

// ReportUser files a report against the partner id holds in the room of
// kind. Every attempt that passes the per-connection window counts against
// it, whether or not a partner is found. The report is stored with the lock
// released; once stored, the room is closed with reason reported and both
// participants search again, provided the room is still the one reported.
func (e *Engine) ReportUser(id, kind, reason string, callDuration *float64) error {
	k, err := matching.ParseKind(kind)
	if err != nil {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return ErrInvalidReportType.WithInternal(err)
	}

	e.mu.Lock()
	s, ok := e.sessions.Get(id)
	if !ok {
		e.mu.Unlock()
		return noSession(k)
	}
	now := e.now()
	if !s.Reports.Allow(now) {
		e.mu.Unlock()
		metrics.ReportsTotal.WithLabelValues("rate_limited").Inc()
		return ErrRateLimited
	}

	r := e.roomLocked(s, k)
	if r == nil {
		e.mu.Unlock()
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return noSession(k)
	}
	peer, _ := r.Partner(id)
	ps, ok := e.sessions.Get(peer)
	if !ok {
		e.mu.Unlock()
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return ErrPartnerNotFound
	}

	rep := &report.Report{
		ReporterID:   id,
		ReportedID:   peer,
		Kind:         string(k),
		RoomID:       r.ID,
		ReporterAddr: s.Addr,
		ReportedAddr: ps.Addr,
		Reason:       reason,
		CreatedAt:    now.UTC(),
	}
	if k == matching.KindChat {
		rep.Transcript = r.Transcript.Entries()
	} else {
		rep.CallDuration = callDuration
	}
	ctx, cancel := context.WithTimeout(s.Context(), e.saveTimeout)
	e.mu.Unlock()
	defer cancel()

	if err := e.moderator.File(ctx, rep); err != nil {
		e.log.Warn("report not saved", zap.String("reporter", id), zap.String("room", r.ID), zap.Error(err))
		return ErrReportFailed.WithInternal(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rooms[r.Key] != r {
		e.log.Debug("reported room already closed", zap.String("room", r.ID))
		return nil
	}
	if e.closeRoomLocked(r, id, protocol.ReasonReported, true) != "" {
		e.pairLocked(peer, k)
	}
	e.pairLocked(id, k)
	e.refreshGaugesLocked()
	return nil
}

func noSession(k matching.Kind) *Condition {
	if k == matching.KindVideo {
		return ErrNoVideoSession
	}
	return ErrNoChatSession
}
