package liveview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/ring-capture/pkg/logger"
	"github.com/ethan/ring-capture/pkg/ring"
)

// TicketMaxAge is the point at which a cached signalling ticket is
// treated as stale and refreshed proactively.
const TicketMaxAge = 30 * time.Minute

const ticketMaxRetries = 3

// TicketSource issues fresh signalling tickets.
type TicketSource interface {
	RequestSignalTicket(ctx context.Context) (ring.Ticket, error)
}

// AuthManager is the slice of the cloud client the live-view core needs.
type AuthManager interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) error
	GetAccountID(ctx context.Context) (string, error)
}

// TicketCache supplies a (ticket, region) pair younger than maxAge,
// refreshing through the source when needed. Requests are paced to one
// per second.
type TicketCache struct {
	source  TicketSource
	auth    AuthManager
	maxAge  time.Duration
	limiter *rate.Limiter
	log     *logger.Logger

	mu        sync.Mutex
	ticket    ring.Ticket
	updatedAt time.Time
}

// NewTicketCache builds a cache with the default max age.
func NewTicketCache(source TicketSource, auth AuthManager, log *logger.Logger) *TicketCache {
	if log == nil {
		log = logger.Default()
	}
	return &TicketCache{
		source:  source,
		auth:    auth,
		maxAge:  TicketMaxAge,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log.With("component", "ticket-cache"),
	}
}

// Age returns how old the cached ticket is. Zero-value time means no
// ticket has ever been stored.
func (c *TicketCache) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.updatedAt.IsZero() {
		return c.maxAge // forces refresh
	}
	return time.Since(c.updatedAt)
}

// Invalidate forces the next Get to refresh, used after connection
// resets and handshake 404s.
func (c *TicketCache) Invalidate() {
	c.mu.Lock()
	c.updatedAt = time.Time{}
	c.mu.Unlock()
	c.log.DebugTicket("ticket invalidated")
}

// Get returns a fresh-enough ticket, refreshing if the cached one has
// reached maxAge. On refresh failure the previous ticket is returned as
// a fallback without touching its timestamp.
func (c *TicketCache) Get(ctx context.Context) (ring.Ticket, error) {
	c.mu.Lock()
	if c.ticket.Value != "" && !c.updatedAt.IsZero() && time.Since(c.updatedAt) < c.maxAge {
		t := c.ticket
		age := time.Since(c.updatedAt)
		c.mu.Unlock()
		c.log.DebugTicket("using cached ticket", "age", age.Round(time.Second))
		return t, nil
	}
	c.mu.Unlock()

	ticket, err := c.refresh(ctx)
	if err == nil {
		return ticket, nil
	}

	// Stale fallback: better an old ticket than none, but its age is
	// left untouched so the next Get retries the refresh.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket.Value != "" {
		c.log.Warn("ticket refresh failed, reusing previous ticket", "error", err)
		return c.ticket, nil
	}
	return ring.Ticket{}, fmt.Errorf("%w: %v", ErrTicketUnavailable, err)
}

// refresh obtains a new ticket with bounded retries, refreshing the
// bearer token on auth rejections.
func (c *TicketCache) refresh(ctx context.Context) (ring.Ticket, error) {
	var lastErr error

	for attempt := 1; attempt <= ticketMaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return ring.Ticket{}, err
		}

		ticket, err := c.source.RequestSignalTicket(ctx)
		if err == nil {
			c.mu.Lock()
			c.ticket = ticket
			c.updatedAt = time.Now()
			c.mu.Unlock()
			c.log.Info("signalling ticket refreshed", "region", ticket.Region)
			return ticket, nil
		}
		lastErr = err

		if errors.Is(err, ring.ErrAuthExpired) {
			c.log.Warn("ticket request rejected, refreshing bearer token", "attempt", attempt)
			if refreshErr := c.auth.RefreshToken(ctx); refreshErr != nil {
				c.log.Error("bearer token refresh failed", "error", refreshErr)
			}
			continue
		}
		if ctx.Err() != nil {
			return ring.Ticket{}, ctx.Err()
		}
		c.log.Warn("ticket request failed", "attempt", attempt, "error", err)
	}

	return ring.Ticket{}, lastErr
}
