package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/admin"
	"github.com/whisper/strangers/internal/ban"
	"github.com/whisper/strangers/internal/chat"
	"github.com/whisper/strangers/internal/config"
	"github.com/whisper/strangers/internal/messaging"
	"github.com/whisper/strangers/internal/report"
)

type memReports struct {
	byID map[string]*report.Report
}

func (m *memReports) Get(_ context.Context, id string) (*report.Report, error) {
	r, ok := m.byID[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return r, nil
}

func (m *memReports) List(_ context.Context, limit, offset int) ([]*report.Report, error) {
	var out []*report.Report
	for _, r := range m.byID {
		out = append(out, r)
	}
	return out, nil
}

func (m *memReports) Count(context.Context) (int, error) { return len(m.byID), nil }

func (m *memReports) Delete(_ context.Context, id string) error {
	if _, ok := m.byID[id]; !ok {
		return report.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

type memBans struct {
	byAddr map[string]*ban.Ban
}

func (m *memBans) SaveBan(_ context.Context, b *ban.Ban) error {
	if _, ok := m.byAddr[b.Address]; ok {
		return ban.ErrAlreadyBanned
	}
	m.byAddr[b.Address] = b
	return nil
}

func (m *memBans) DeleteBan(_ context.Context, addr string) error {
	if _, ok := m.byAddr[addr]; !ok {
		return ban.ErrNotFound
	}
	delete(m.byAddr, addr)
	return nil
}

func (m *memBans) List(context.Context) ([]*ban.Ban, error) {
	var out []*ban.Ban
	for _, b := range m.byAddr {
		out = append(out, b)
	}
	return out, nil
}

type memAdmins struct {
	users map[string]string
}

func (m *memAdmins) Create(_ context.Context, username, password string) error {
	if _, ok := m.users[username]; ok {
		return admin.ErrExists
	}
	m.users[username] = password
	return nil
}

func (m *memAdmins) Verify(_ context.Context, username, password string) error {
	if pw, ok := m.users[username]; !ok || pw != password {
		return admin.ErrInvalidCredentials
	}
	return nil
}

type recordingPublisher struct {
	events []messaging.BanApplied
}

func (p *recordingPublisher) PublishBanApplied(ev messaging.BanApplied) error {
	p.events = append(p.events, ev)
	return nil
}

type recordingCache struct {
	invalidated []string
}

func (c *recordingCache) Invalidate(_ context.Context, addr string) error {
	c.invalidated = append(c.invalidated, addr)
	return nil
}

type fixture struct {
	app       *app
	out       *bytes.Buffer
	reports   *memReports
	bans      *memBans
	publisher *recordingPublisher
	cache     *recordingCache
}

var filedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture() *fixture {
	f := &fixture{
		out: &bytes.Buffer{},
		reports: &memReports{byID: map[string]*report.Report{
			"r1": {
				ID: "r1", Kind: "chat", RoomID: "chat_a_b",
				ReporterID: "a", ReportedID: "b",
				ReporterAddr: "10.0.0.1", ReportedAddr: "10.0.0.2",
				Reason: "rude", CreatedAt: filedAt,
				Transcript: []chat.Entry{
					{SenderID: "b", Message: "hey", Timestamp: filedAt},
					{SenderID: "a", Message: "bye", Timestamp: filedAt},
				},
			},
		}},
		bans:      &memBans{byAddr: map[string]*ban.Ban{}},
		publisher: &recordingPublisher{},
		cache:     &recordingCache{},
	}
	f.app = &app{
		reports:   f.reports,
		bans:      f.bans,
		admins:    &memAdmins{users: map[string]string{"root": "hunter22"}},
		operator:  config.AdminConfig{Username: "root", Password: "hunter22"},
		publisher: f.publisher,
		cache:     f.cache,
		out:       f.out,
		now:       func() time.Time { return filedAt.Add(time.Hour) },
		log:       zap.NewNop(),
	}
	return f
}

func TestRunUsage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	assert.ErrorIs(t, f.app.run(ctx, nil), errUsage)
	assert.ErrorIs(t, f.app.run(ctx, []string{"frobnicate"}), errUsage)
	assert.ErrorIs(t, f.app.run(ctx, []string{"ban"}), errUsage)
	assert.ErrorIs(t, f.app.run(ctx, []string{"reports", "-1"}), errUsage)
}

func TestBanReport(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.app.run(context.Background(), []string{"ban", "r1"}))

	b, ok := f.bans.byAddr["10.0.0.2"]
	require.True(t, ok)
	assert.Equal(t, "Reported on 2026-03-01T12:00:00Z", b.Reason)
	assert.NotContains(t, f.reports.byID, "r1")

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, "10.0.0.2", f.publisher.events[0].Address)
	assert.Equal(t, "r1", f.publisher.events[0].ReportID)
	assert.Equal(t, []string{"10.0.0.2"}, f.cache.invalidated)
	assert.Contains(t, f.out.String(), "banned 10.0.0.2")
}

func TestBanReportAlreadyBannedStillCloses(t *testing.T) {
	f := newFixture()
	f.bans.byAddr["10.0.0.2"] = &ban.Ban{Address: "10.0.0.2", Reason: "earlier"}

	require.NoError(t, f.app.run(context.Background(), []string{"ban", "r1"}))

	assert.Equal(t, "earlier", f.bans.byAddr["10.0.0.2"].Reason)
	assert.NotContains(t, f.reports.byID, "r1")
	assert.Contains(t, f.out.String(), "already banned")
	assert.Len(t, f.publisher.events, 1)
}

func TestBanUnknownReport(t *testing.T) {
	f := newFixture()
	err := f.app.run(context.Background(), []string{"ban", "nope"})
	assert.ErrorIs(t, err, report.ErrNotFound)
	assert.Empty(t, f.bans.byAddr)
	assert.Empty(t, f.publisher.events)
}

func TestBanWithoutPublisher(t *testing.T) {
	f := newFixture()
	f.app.publisher = nil
	f.app.cache = nil
	require.NoError(t, f.app.run(context.Background(), []string{"ban", "r1"}))
	assert.Contains(t, f.bans.byAddr, "10.0.0.2")
}

func TestDismiss(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.app.run(context.Background(), []string{"dismiss", "r1"}))
	assert.Empty(t, f.reports.byID)
	assert.Empty(t, f.bans.byAddr)

	err := f.app.run(context.Background(), []string{"dismiss", "r1"})
	assert.True(t, errors.Is(err, report.ErrNotFound))
}

func TestShowReport(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.app.run(context.Background(), []string{"show", "r1"}))

	out := f.out.String()
	assert.Contains(t, out, "reported  b (10.0.0.2)")
	assert.Contains(t, out, "reported: hey")
	assert.Contains(t, out, "reporter: bye")
}

func TestListReports(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.app.run(context.Background(), []string{"reports", "5"}))
	assert.Contains(t, f.out.String(), "r1")
	assert.Contains(t, f.out.String(), "1 of 1 pending")
}

func TestUnban(t *testing.T) {
	f := newFixture()
	f.bans.byAddr["10.0.0.9"] = &ban.Ban{Address: "10.0.0.9"}

	require.NoError(t, f.app.run(context.Background(), []string{"unban", "10.0.0.9"}))
	assert.Empty(t, f.bans.byAddr)
	assert.Equal(t, []string{"10.0.0.9"}, f.cache.invalidated)

	assert.ErrorIs(t, f.app.run(context.Background(), []string{"unban", "10.0.0.9"}), ban.ErrNotFound)
}

func TestSeedAdmin(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.app.run(context.Background(), []string{"seed-admin", "mod", "hunter22"}))
	require.NoError(t, f.app.run(context.Background(), []string{"seed-admin", "mod", "other"}))
	assert.Contains(t, f.out.String(), `admin "mod" created`)
	assert.Contains(t, f.out.String(), `admin "mod" already exists`)
}

func TestMutatingCommandsRequireCredentials(t *testing.T) {
	tests := []struct {
		name     string
		operator config.AdminConfig
	}{
		{"unset", config.AdminConfig{}},
		{"wrong password", config.AdminConfig{Username: "root", Password: "nope"}},
		{"unknown user", config.AdminConfig{Username: "ghost", Password: "hunter22"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.bans.byAddr["10.0.0.9"] = &ban.Ban{Address: "10.0.0.9"}
			f.app.operator = tt.operator
			ctx := context.Background()

			assert.ErrorIs(t, f.app.run(ctx, []string{"ban", "r1"}), admin.ErrInvalidCredentials)
			assert.ErrorIs(t, f.app.run(ctx, []string{"dismiss", "r1"}), admin.ErrInvalidCredentials)
			assert.ErrorIs(t, f.app.run(ctx, []string{"unban", "10.0.0.9"}), admin.ErrInvalidCredentials)

			assert.Contains(t, f.reports.byID, "r1")
			assert.Len(t, f.bans.byAddr, 1)
			assert.Empty(t, f.publisher.events)

			require.NoError(t, f.app.run(ctx, []string{"show", "r1"}), "read-only commands need no credentials")
		})
	}
}
