package foreground

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/pushguard/session"
)

// Supervisor keeps a Listener running exactly while the session is
// authenticated. Each time a session becomes authenticated the engine is
// reconciled before the subscription starts.
type Supervisor struct {
	listener *Listener
	manager  *session.Manager
	log      *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	sub     *Subscription
	stopped bool
}

// NewSupervisor creates a supervisor for l driven by m's session state.
func NewSupervisor(l *Listener, m *session.Manager, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{listener: l, manager: m, log: log}
}

// Run supervises until ctx is done. It returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	events := make(chan session.Snapshot, 1)
	cancel := s.manager.State().Watch(func(snap session.Snapshot) {
		// Only the latest snapshot matters.
		for {
			select {
			case events <- snap:
				return
			default:
			}
			select {
			case <-events:
			default:
			}
		}
	})
	defer cancel()
	unhook := s.manager.OnLogout(func(context.Context) { s.stop() })
	defer unhook()

	// A local token lapses without a state change, so its expiry is
	// scheduled explicitly.
	expiry := time.NewTimer(time.Hour)
	expiry.Stop()
	defer expiry.Stop()
	apply := func(snap session.Snapshot) {
		s.apply(snap)
		expiry.Stop()
		if left, ok := snap.ExpiresIn(s.manager.Now()); ok {
			expiry.Reset(left + time.Millisecond)
		}
	}

	apply(s.manager.State().Snapshot())
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			s.mu.Unlock()
			s.stop()
			return ctx.Err()
		case snap := <-events:
			apply(snap)
		case <-expiry.C:
			apply(s.manager.State().Snapshot())
		}
	}
}

// Active reports whether a subscription is running.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub != nil
}

func (s *Supervisor) apply(snap session.Snapshot) {
	if !snap.Authenticated {
		s.stop()
		return
	}

	s.mu.Lock()
	if s.stopped || s.ctx == nil {
		s.mu.Unlock()
		return
	}
	if s.sub != nil {
		select {
		case <-s.sub.Done():
			s.sub = nil
		default:
			// Token rotation keeps the running subscription.
			s.mu.Unlock()
			return
		}
	}
	ctx := s.ctx
	s.mu.Unlock()

	s.listener.engine.FetchNotifications(ctx)
	sub, err := s.listener.Start(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "delivery.foreground.supervise.fail", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	if s.stopped || s.sub != nil {
		s.mu.Unlock()
		sub.Unsubscribe()
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

func (s *Supervisor) stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}
