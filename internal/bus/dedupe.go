package bus

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DedupeCache drops duplicate inbound messages within a TTL window.
// Webhook retries and client double-taps re-deliver the same
// (channel, sender, chat, messageId) tuple; only the first one may
// reach the agent.
type DedupeCache struct {
	seen *expirable.LRU[string, struct{}]
}

// NewDedupeCache creates a bounded TTL cache. Entries evict on size
// pressure as well as age.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		seen: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl),
	}
}

// IsDuplicate records the key and reports whether it was already seen
// within the window.
func (c *DedupeCache) IsDuplicate(key string) bool {
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// DedupeKey builds the cache key for an envelope. Envelopes without a
// message id cannot be deduplicated and get a unique key.
func DedupeKey(env *Envelope) string {
	if env.MessageID == "" {
		return fmt.Sprintf("%s|%s|%s|ts:%d", env.Channel, env.Sender.ID, env.ConversationPeer().ID, env.Timestamp)
	}
	return fmt.Sprintf("%s|%s|%s|%s", env.Channel, env.Sender.ID, env.ConversationPeer().ID, env.MessageID)
}
