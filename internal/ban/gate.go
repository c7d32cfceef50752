package ban

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/whisper/strangers/internal/logger"
	"github.com/whisper/strangers/internal/metrics"
	"github.com/whisper/strangers/internal/ratelimit"
)

// Admission errors. The ws server maps them to HTTP statuses.
var (
	ErrBanned               = errors.New("ban: address is banned")
	ErrTooManyConnections   = errors.New("ban: too many connections from address")
	ErrAdmissionUnavailable = errors.New("ban: admission check unavailable")
)

// Finder looks up a ban by address.
type Finder interface {
	FindBan(ctx context.Context, addr string) (*Ban, error)
}

// Counter is satisfied by *ratelimit.Limiter.
type Counter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Gate decides whether a new connection from an address may be upgraded.
type Gate struct {
	bans    Finder
	cache   *Cache
	limiter Counter
	rule    ratelimit.Rule
	log     *zap.Logger
}

// NewGate builds a gate. cache and limiter may be nil.
func NewGate(bans Finder, cache *Cache, limiter Counter, rule ratelimit.Rule) *Gate {
	return &Gate{
		bans:    bans,
		cache:   cache,
		limiter: limiter,
		rule:    rule,
		log:     logger.WithModule("admission"),
	}
}

// Admit returns nil if addr may connect. The connect limit is counted first so
// banned addresses are throttled too. Redis errors fail open; a failing ban
// store yields ErrAdmissionUnavailable.
func (g *Gate) Admit(ctx context.Context, addr string) error {
	if g.limiter != nil {
		ok, err := g.limiter.Allow(ctx, addr, g.rule)
		if err != nil {
			g.log.Warn("connect limiter unavailable", zap.String("addr", addr), zap.Error(err))
		}
		if !ok {
			metrics.AdmissionDenied.WithLabelValues("rate_limited").Inc()
			return ErrTooManyConnections
		}
	}

	banned, err := g.isBanned(ctx, addr)
	if err != nil {
		g.log.Error("ban lookup failed", zap.String("addr", addr), zap.Error(err))
		metrics.AdmissionDenied.WithLabelValues("unavailable").Inc()
		return ErrAdmissionUnavailable
	}
	if banned {
		metrics.AdmissionDenied.WithLabelValues("banned").Inc()
		return ErrBanned
	}
	return nil
}

func (g *Gate) isBanned(ctx context.Context, addr string) (bool, error) {
	if g.cache != nil {
		banned, hit, err := g.cache.Get(ctx, addr)
		if err != nil {
			g.log.Warn("ban cache read failed", zap.String("addr", addr), zap.Error(err))
		} else if hit {
			return banned, nil
		}
	}

	_, err := g.bans.FindBan(ctx, addr)
	switch {
	case errors.Is(err, ErrNotFound):
		g.remember(ctx, addr, false)
		return false, nil
	case err != nil:
		return false, err
	}
	g.remember(ctx, addr, true)
	return true, nil
}

func (g *Gate) remember(ctx context.Context, addr string, banned bool) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, addr, banned); err != nil {
		g.log.Warn("ban cache write failed", zap.String("addr", addr), zap.Error(err))
	}
}

// Forget drops the cached answer for addr after a ban or unban.
func (g *Gate) Forget(ctx context.Context, addr string) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Invalidate(ctx, addr); err != nil {
		g.log.Warn("ban cache invalidate failed", zap.String("addr", addr), zap.Error(err))
	}
}
