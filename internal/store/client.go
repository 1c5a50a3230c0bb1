package store

import (
	"context"
	"errors"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/PlebeianApp/market-sub007/internal/domain"
)

// ErrDegraded reports that no transport accepted an operation. The medium is
// expected to be unreliable; callers treat this as "offline", not corruption.
var ErrDegraded = errors.New("message store degraded: no transport available")

// TransportSub is one live subscription on a single transport.
type TransportSub struct {
	Messages <-chan domain.Message
	// CaughtUp is closed once the transport has drained its stored backlog
	// for the subscription's filter.
	CaughtUp <-chan struct{}
	Cancel   func()
}

// Transport is one append-only log the client reads from and publishes to.
// Implementations retry their own disconnects transparently; the only errors
// they surface are permanent ones.
type Transport interface {
	Name() string
	Subscribe(ctx context.Context, f Filter) (*TransportSub, error)
	Fetch(ctx context.Context, f Filter) ([]domain.Message, error)
	Publish(ctx context.Context, m domain.Message) error
	Close() error
}

const (
	defaultDedupSize      = 4096
	defaultCatchupTimeout = 15 * time.Second
	defaultFetchTimeout   = 10 * time.Second
)

// Client fans in messages from every configured transport, deduplicates by
// message id and hands each unique message to a subscription exactly once.
// The client is shared read-only across all reducers and monitors.
type Client struct {
	transports     []Transport
	logger         *zap.Logger
	dedupSize      int
	catchupTimeout time.Duration
	fetchTimeout   time.Duration
}

type Option func(*Client)

func WithDedupSize(n int) Option {
	return func(c *Client) { c.dedupSize = n }
}

func WithCatchupTimeout(d time.Duration) Option {
	return func(c *Client) { c.catchupTimeout = d }
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) { c.fetchTimeout = d }
}

func NewClient(logger *zap.Logger, transports []Transport, opts ...Option) *Client {
	c := &Client{
		transports:     transports,
		logger:         logger,
		dedupSize:      defaultDedupSize,
		catchupTimeout: defaultCatchupTimeout,
		fetchTimeout:   defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe delivers each unique matching message exactly once for the life
// of the subscription, regardless of how many transports redeliver it.
// The returned subscription's CaughtUp fires once every transport has
// drained its backlog, or the catch-up timeout lapses. Absence of a signal
// is not an error on this medium.
func (c *Client) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	seen, err := lru.New[string, struct{}](c.dedupSize)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(f, seen, c.logger)

	var attached int
	for _, tr := range c.transports {
		ts, err := tr.Subscribe(ctx, f)
		if err != nil {
			c.logger.Warn("transport rejected subscription",
				zap.String("transport", tr.Name()),
				zap.Error(err))
			continue
		}
		attached++
		sub.attach(tr.Name(), ts)
	}
	if attached == 0 {
		sub.Cancel()
		return nil, ErrDegraded
	}
	sub.start(c.catchupTimeout)
	return sub, nil
}

// FetchOnce gathers the current matching backlog across all transports,
// deduplicated and sorted oldest first. A transport that times out or fails
// contributes nothing; the call fails only when the filter is invalid or no
// transport could be queried at all.
func (c *Client) FetchOnce(ctx context.Context, f Filter) ([]domain.Message, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	type result struct {
		name string
		msgs []domain.Message
		err  error
	}
	results := make(chan result, len(c.transports))
	for _, tr := range c.transports {
		go func(tr Transport) {
			msgs, err := tr.Fetch(ctx, f)
			results <- result{name: tr.Name(), msgs: msgs, err: err}
		}(tr)
	}

	seen := make(map[string]struct{})
	var out []domain.Message
	var reached int
	for range c.transports {
		r := <-results
		if r.err != nil {
			c.logger.Warn("transport fetch failed",
				zap.String("transport", r.name),
				zap.Error(r.err))
			continue
		}
		reached++
		for _, m := range r.msgs {
			if !f.Matches(m) {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	if reached == 0 {
		return nil, ErrDegraded
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Newer(out[i]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Publish broadcasts the signed message, succeeding if any transport accepts
// it. Per-transport failures are logged, not surfaced, unless all fail.
func (c *Client) Publish(ctx context.Context, m domain.Message) error {
	var accepted int
	for _, tr := range c.transports {
		if err := tr.Publish(ctx, m); err != nil {
			c.logger.Warn("transport publish failed",
				zap.String("transport", tr.Name()),
				zap.String("message_id", m.ID),
				zap.Error(err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return ErrDegraded
	}
	return nil
}

// Close shuts down every transport.
func (c *Client) Close() error {
	var firstErr error
	for _, tr := range c.transports {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
