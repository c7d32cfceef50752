package messaging

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient requires a NATS server on the default URL.
func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestReportFiledRoundTrip(t *testing.T) {
	c := newTestClient(t)
	got := make(chan ReportFiled, 1)
	require.NoError(t, c.SubscribeReportFiled(func(ev ReportFiled) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishReportFiled(ReportFiled{ReportID: "r1", Kind: "chat", Entries: 3}))

	select {
	case ev := <-got:
		assert.Equal(t, "r1", ev.ReportID)
		assert.Equal(t, 3, ev.Entries)
	case <-time.After(2 * time.Second):
		t.Fatal("report event not delivered")
	}
}

func TestBanAppliedRoundTrip(t *testing.T) {
	c := newTestClient(t)
	got := make(chan BanApplied, 1)
	require.NoError(t, c.SubscribeBanApplied(func(ev BanApplied) { got <- ev }))
	require.NoError(t, c.conn.Flush())

	require.NoError(t, c.PublishBanApplied(BanApplied{Address: "10.0.0.9", Reason: "spam"}))

	select {
	case ev := <-got:
		assert.Equal(t, "10.0.0.9", ev.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("ban event not delivered")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultNATSConfig()
	assert.Equal(t, nats.DefaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
}
