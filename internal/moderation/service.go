package moderation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/report"
)

// ReportStore persists reports. Satisfied by *report.Store.
type ReportStore interface {
	Create(ctx context.Context, r *report.Report) error
}

// ReportReader loads stored reports. Satisfied by *report.Store.
type ReportReader interface {
	Get(ctx context.Context, id string) (*report.Report, error)
}

// Publisher announces stored reports. Satisfied by *messaging.NATSClient.
type Publisher interface {
	PublishReportFiled(ev messaging.ReportFiled) error
}

// Service files reports on behalf of the relay.
type Service struct {
	store     ReportStore
	publisher Publisher
	log       *zap.Logger
}

// NewService creates a Service. publisher may be nil.
func NewService(store ReportStore, publisher Publisher) *Service {
	return &Service{store: store, publisher: publisher, log: logger.WithModule("moderation")}
}

// File stores r and announces it. Only a storage failure is returned; a failed
// announcement is logged.
func (s *Service) File(ctx context.Context, r *report.Report) error {
	if err := s.store.Create(ctx, r); err != nil {
		metrics.ReportsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("moderation: save report: %w", err)
	}
	metrics.ReportsTotal.WithLabelValues("filed").Inc()
	metrics.PendingReports.Inc()

	s.log.Info("report filed",
		zap.String("report_id", r.ID),
		zap.String("kind", r.Kind),
		zap.String("room_id", r.RoomID),
		zap.String("reporter", r.ReporterID),
		zap.String("reported", r.ReportedID),
		zap.Int("transcript_entries", len(r.Transcript)),
	)

	if s.publisher == nil {
		return nil
	}
	ev := messaging.ReportFiled{
		ReportID:     r.ID,
		Kind:         r.Kind,
		RoomID:       r.RoomID,
		ReporterID:   r.ReporterID,
		ReportedID:   r.ReportedID,
		ReportedAddr: r.ReportedAddr,
		Entries:      len(r.Transcript),
		FiledAt:      r.CreatedAt,
	}
	if err := s.publisher.PublishReportFiled(ev); err != nil {
		s.log.Warn("publish report event", zap.String("report_id", r.ID), zap.Error(err))
	}
	return nil
}

// Reviewer screens stored reports for the moderator service.
type Reviewer struct {
	reports ReportReader
	filter  *Filter
}

func NewReviewer(reports ReportReader, filter *Filter) *Reviewer {
	return &Reviewer{reports: reports, filter: filter}
}

// Review loads a report and returns its flagged transcript entries. Video
// reports have no transcript; their reason text is screened instead, reported
// with Index -1.
func (r *Reviewer) Review(ctx context.Context, reportID string) (*report.Report, []Finding, error) {
	rep, err := r.reports.Get(ctx, reportID)
	if err != nil {
		return nil, nil, fmt.Errorf("moderation: load report %s: %w", reportID, err)
	}
	findings := r.filter.Scan(rep.Transcript)
	if rep.Reason != "" {
		if v := r.filter.Check(rep.Reason); v.Flagged {
			findings = append(findings, Finding{Index: -1, SenderID: rep.ReporterID, Verdict: v})
		}
	}
	return rep, findings, nil
}
