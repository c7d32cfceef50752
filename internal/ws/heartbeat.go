package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max silence before a connection is dropped (default: 60s)
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  60 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and removes those
// silent for longer than Timeout. It returns immediately; the goroutine exits
// when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * config.Interval
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastSeen())
		if idle > config.Timeout {
			server.log.Info("heartbeat timeout",
				zap.String("conn", c.ID),
				zap.Duration("idle", idle.Round(time.Second)),
			)
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug("heartbeat ping failed", zap.String("conn", c.ID), zap.Error(err))
			server.RemoveConnection(c)
		}
	}
}
