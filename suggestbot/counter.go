package suggestbot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MessageCounts maps user IDs to the number of messages they've sent
type MessageCounts map[string]int64

// Total returns the sum of all counts
func (m MessageCounts) Total() int64 {
	var n int64
	for _, c := range m {
		n += c
	}
	return n
}

// UserStats is what's reported for a user by /stats
type UserStats struct {
	UserID        string `json:"user_id"`
	TotalMessages int64  `json:"total_messages"`
}

// messageCountFlusher is notified after each observed message.
// Implemented by [Persister].
type messageCountFlusher interface {
	MessageCountsChanged(ctx context.Context)
}

// MessageCounter tracks how many messages each user has sent. Counts are
// only ever incremented.
type MessageCounter struct {
	counts map[string]*atomic.Int64

	// guards the map, increments are atomic
	mu sync.RWMutex

	flusher messageCountFlusher
	logger  *slog.Logger

	metricMessagesObserved atomic.Int64
}

// NewMessageCounter creates a MessageCounter seeded with previously
// saved counts
func NewMessageCounter(
	counts MessageCounts,
	flusher messageCountFlusher,
	logger *slog.Logger,
) *MessageCounter {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MessageCounter{
		counts:  make(map[string]*atomic.Int64, len(counts)),
		flusher: flusher,
		logger:  logger.With(loggerNameKey, "message_counter"),
	}
	for userID, n := range counts {
		v := &atomic.Int64{}
		v.Store(n)
		c.counts[userID] = v
	}
	return c
}

func (c *MessageCounter) counter(userID string) *atomic.Int64 {
	c.mu.RLock()
	v, ok := c.counts[userID]
	c.mu.RUnlock()
	if ok {
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok = c.counts[userID]
	if !ok {
		v = &atomic.Int64{}
		c.counts[userID] = v
	}
	return v
}

// ObserveMessage increments the message count for the given user, and
// returns the new total
func (c *MessageCounter) ObserveMessage(ctx context.Context, userID string) int64 {
	if userID == "" {
		return 0
	}
	n := c.counter(userID).Add(1)
	c.metricMessagesObserved.Add(1)

	if c.flusher != nil {
		c.flusher.MessageCountsChanged(ctx)
	}
	return n
}

// GetStats returns the message total for the given user, which is
// zero for users that haven't been seen
func (c *MessageCounter) GetStats(userID string) UserStats {
	c.mu.RLock()
	v, ok := c.counts[userID]
	c.mu.RUnlock()

	stats := UserStats{UserID: userID}
	if ok {
		stats.TotalMessages = v.Load()
	}
	return stats
}

// Snapshot returns a copy of all current counts
func (c *MessageCounter) Snapshot() MessageCounts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snapshot := make(MessageCounts, len(c.counts))
	for userID, v := range c.counts {
		snapshot[userID] = v.Load()
	}
	return snapshot
}

// Users returns the number of users with a recorded count
func (c *MessageCounter) Users() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.counts)
}

// MessagesObserved returns the number of messages observed since startup
func (c *MessageCounter) MessagesObserved() int64 {
	return c.metricMessagesObserved.Load()
}
