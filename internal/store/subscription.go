package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// Subscription is a restartable, deduplicated message sequence merged from
// every attached transport. Messages() closes after Cancel.
type Subscription struct {
	filter Filter
	logger *zap.Logger

	out      chan domain.Message
	caughtUp chan struct{}
	done     chan struct{}

	mu   sync.Mutex
	seen *lru.Cache[string, struct{}]

	attached   []attachedSub
	cancelOnce sync.Once
	caughtOnce sync.Once
	wg         sync.WaitGroup
}

type attachedSub struct {
	name string
	sub  *TransportSub
}

func newSubscription(f Filter, seen *lru.Cache[string, struct{}], logger *zap.Logger) *Subscription {
	return &Subscription{
		filter:   f,
		logger:   logger,
		out:      make(chan domain.Message, 64),
		caughtUp: make(chan struct{}),
		done:     make(chan struct{}),
		seen:     seen,
	}
}

func (s *Subscription) attach(name string, ts *TransportSub) {
	s.attached = append(s.attached, attachedSub{name: name, sub: ts})
}

func (s *Subscription) start(catchupTimeout time.Duration) {
	pending := make(chan struct{}, len(s.attached))
	for _, a := range s.attached {
		s.wg.Add(1)
		go s.pump(a, pending)
	}

	// caught-up fires once every transport drained its backlog, or the
	// timeout lapses. A timeout is the "still pending" fallback, not an
	// error: a silent relay proves nothing.
	go func() {
		timer := time.NewTimer(catchupTimeout)
		defer timer.Stop()
		remaining := len(s.attached)
		for remaining > 0 {
			select {
			case <-pending:
				remaining--
			case <-timer.C:
				s.logger.Debug("subscription catch-up timed out",
					zap.Int("transports_pending", remaining))
				remaining = 0
			case <-s.done:
				return
			}
		}
		s.caughtOnce.Do(func() { close(s.caughtUp) })
	}()

	go func() {
		s.wg.Wait()
		close(s.out)
	}()
}

func (s *Subscription) pump(a attachedSub, pending chan<- struct{}) {
	defer s.wg.Done()
	reported := false
	for {
		select {
		case <-s.done:
			return
		case <-a.sub.CaughtUp:
			// flush queued backlog before reporting, so every stored
			// message is delivered ahead of the caught-up signal
			s.drainQueued(a)
			if !reported {
				reported = true
				pending <- struct{}{}
			}
			a.sub.CaughtUp = nil
		case m, ok := <-a.sub.Messages:
			if !ok {
				if !reported {
					pending <- struct{}{}
				}
				return
			}
			s.deliver(m)
		}
	}
}

func (s *Subscription) drainQueued(a attachedSub) {
	for {
		select {
		case m, ok := <-a.sub.Messages:
			if !ok {
				return
			}
			s.deliver(m)
		default:
			return
		}
	}
}

func (s *Subscription) deliver(m domain.Message) {
	if !s.filter.Matches(m) {
		return
	}
	s.mu.Lock()
	if _, dup := s.seen.Get(m.ID); dup {
		s.mu.Unlock()
		return
	}
	s.seen.Add(m.ID, struct{}{})
	s.mu.Unlock()

	select {
	case s.out <- m:
	case <-s.done:
	}
}

// Messages yields each unique matching message exactly once.
func (s *Subscription) Messages() <-chan domain.Message { return s.out }

// CaughtUp is closed once the historical backlog is drained; everything
// after that is live.
func (s *Subscription) CaughtUp() <-chan struct{} { return s.caughtUp }

// Cancel stops the subscription. Safe to call multiple times and after the
// subscription has already drained.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		for _, a := range s.attached {
			a.sub.Cancel()
		}
	})
}
