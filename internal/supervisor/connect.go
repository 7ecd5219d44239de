package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/netbro-agent/internal/transport"
)

// start makes the first connection after configuration. An explicit broker
// is tried directly; failing that, or for a discovered broker, the
// supervisor enters StateDiscovering and retries with backoff before
// falling back to secondary.
func (s *Supervisor) start(ctx context.Context) {
	s.primary = s.newPrimary()

	if !s.cfg.AutoDiscover {
		err := s.primary.Connect(ctx)
		if err == nil {
			s.activatePrimary(ctx)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("direct primary connect failed", "broker", s.cfg.Broker.String(), "error", err)
	}

	s.setState(StateDiscovering)
	err := s.connectWithRetry(ctx)
	if err == nil {
		s.activatePrimary(ctx)
		return
	}
	if ctx.Err() != nil {
		return
	}
	s.failover(ctx, err)
}

func (s *Supervisor) newPrimary() transport.Transport {
	t := s.deps.NewPrimary(s.cfg)
	s.attach(t)
	return t
}

// connectWithRetry makes up to MaxConnectAttempts primary connects with
// exponential backoff capped at the connectivity check interval. A
// discovered broker is looked up again before each retry.
func (s *Supervisor) connectWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = s.cfg.ConnectivityCheckInterval
	b.MaxElapsedTime = 0

	retries := uint64(s.policy.MaxConnectAttempts - 1)
	attempt := 0

	op := func() error {
		attempt++
		if attempt > 1 {
			s.rediscover(ctx)
		}
		err := s.primary.Connect(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("primary connect failed, backing off",
			"attempt", attempt,
			"max_attempts", s.policy.MaxConnectAttempts,
			"wait", wait,
			"error", err,
		)
	}

	return backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx), notify)
}

// rediscover follows a discovered broker to a new address.
func (s *Supervisor) rediscover(ctx context.Context) {
	if !s.cfg.AutoDiscover || s.deps.Discoverer == nil {
		return
	}
	ep, err := s.deps.Discoverer.Discover(ctx, s.cfg.Broker.Port, s.policy.DiscoveryTimeout)
	if err != nil {
		s.logger.Debug("broker rediscovery failed", "error", err)
		return
	}
	if ep == s.cfg.Broker {
		return
	}

	s.logger.Info("broker moved", "from", s.cfg.Broker.String(), "to", ep.String())
	if err := s.primary.Close(); err != nil {
		s.logger.Debug("closing stale primary", "error", err)
	}
	s.cfg = s.cfg.WithBroker(ep)
	s.primary = s.newPrimary()
}

func (s *Supervisor) activatePrimary(ctx context.Context) {
	s.active = s.primary
	s.setState(StatePrimaryActive)
	s.flush(ctx)
}

// failover abandons primary and brings up secondary. Queued alerts are
// re-sent over secondary in their original order.
func (s *Supervisor) failover(ctx context.Context, cause error) {
	s.logger.Warn("primary transport unavailable, switching to secondary", "error", cause)
	if err := s.primary.Close(); err != nil {
		s.logger.Debug("closing failed primary", "error", err)
	}
	s.active = nil
	s.setState(StateSecondaryActive)
	s.bringUpSecondary(ctx)
}

// bringUpSecondary (re)connects secondary and makes it active.
func (s *Supervisor) bringUpSecondary(ctx context.Context) bool {
	sec := s.deps.Secondary
	if sec == nil {
		s.logger.Warn("no secondary transport configured, alerts stay queued", "queued", s.queue.len())
		return false
	}
	if !sec.State().Usable() {
		if err := sec.Connect(ctx); err != nil {
			s.logger.Warn("secondary connect failed", "error", err, "queued", s.queue.len())
			return false
		}
	}
	s.active = sec
	s.flush(ctx)
	return s.active == sec
}

// check runs on every connectivity check tick.
func (s *Supervisor) check(ctx context.Context) {
	switch s.state {
	case StatePrimaryActive:
		if err := s.healthCheck(ctx, s.primary); err != nil {
			s.failover(ctx, err)
		}
	case StateSecondaryActive:
		if s.active != nil {
			if err := s.healthCheck(ctx, s.active); err != nil {
				s.logger.Warn("secondary health check failed", "error", err)
				s.active = nil
			}
		}
		if s.active == nil {
			s.bringUpSecondary(ctx)
		}
		s.recover(ctx)
	}
}

func (s *Supervisor) healthCheck(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectivityCheckInterval)
	defer cancel()
	return t.HealthCheck(ctx)
}

// recover probes primary. On reconnect it enters StateRecovering and
// confirms with an acknowledged heartbeat; only then does primary become
// active and secondary get closed. A failed confirmation stays on
// secondary until the next tick.
func (s *Supervisor) recover(ctx context.Context) {
	if err := s.primary.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("recovery probe failed", "broker", s.cfg.Broker.String(), "error", err)
			s.rediscover(ctx)
		}
		return
	}

	s.setState(StateRecovering)
	if err := s.healthCheck(ctx, s.primary); err != nil {
		s.logger.Warn("recovery confirmation failed, staying on secondary", "error", err)
		if cerr := s.primary.Close(); cerr != nil {
			s.logger.Debug("closing unconfirmed primary", "error", cerr)
		}
		s.setState(StateSecondaryActive)
		return
	}

	s.active = s.primary
	s.setState(StatePrimaryActive)
	if s.deps.Secondary != nil {
		if err := s.deps.Secondary.Close(); err != nil {
			s.logger.Debug("closing secondary after recovery", "error", err)
		}
	}
	s.flush(ctx)
}
