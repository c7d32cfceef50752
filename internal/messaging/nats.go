// Package messaging wraps the NATS connection shared by the relay servers, the
// moderator and the admin CLI. Reports flow to moderators on
// moderation.report.filed; admin bans fan out to every relay on
// moderation.ban.applied.
package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/logger"
)

// NATS subjects.
const (
	SubjectReportFiled = "moderation.report.filed"
	SubjectBanApplied  = "moderation.ban.applied"
)

// QueueModerators is the queue group moderators join so each report is
// reviewed once.
const QueueModerators = "moderators"

// NATSClient wraps the NATS connection with typed publish/subscribe helpers.
type NATSClient struct {
	conn *nats.Conn
	log  *zap.Logger
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "whisper",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS. The initial connection must succeed;
// later drops are retried in the background.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	log := logger.WithModule("nats")
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	log.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn: nc,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishReportFiled announces a newly stored report.
func (c *NATSClient) PublishReportFiled(ev ReportFiled) error {
	return c.publishJSON(SubjectReportFiled, ev)
}

// SubscribeReportFiled joins the moderators queue group.
func (c *NATSClient) SubscribeReportFiled(handler func(ReportFiled)) error {
	sub, err := c.conn.QueueSubscribe(SubjectReportFiled, QueueModerators, func(msg *nats.Msg) {
		var ev ReportFiled
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn("bad report event", zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", SubjectReportFiled, err)
	}
	c.track(SubjectReportFiled, sub)
	return nil
}

// PublishBanApplied announces a ban to every relay server.
func (c *NATSClient) PublishBanApplied(ev BanApplied) error {
	if err := c.publishJSON(SubjectBanApplied, ev); err != nil {
		return err
	}
	// The admin CLI exits right after publishing.
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("messaging: flush: %w", err)
	}
	return nil
}

// SubscribeBanApplied delivers every ban to this process.
func (c *NATSClient) SubscribeBanApplied(handler func(BanApplied)) error {
	sub, err := c.conn.Subscribe(SubjectBanApplied, func(msg *nats.Msg) {
		var ev BanApplied
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.Warn("bad ban event", zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", SubjectBanApplied, err)
	}
	c.track(SubjectBanApplied, sub)
	return nil
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

func (c *NATSClient) track(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
}

// Close drains every subscription and then the connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.log.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("messaging: drain: %w", err)
	}
	return nil
}
