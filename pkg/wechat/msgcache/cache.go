// Package msgcache keeps recently received raw messages so that payloads can
// be looked up after the event for them has already been emitted.
package msgcache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

const (
	DefaultSize = 10000
	DefaultTTL  = time.Hour
)

// Cache is a size and age bounded LRU of raw messages keyed by message id.
type Cache struct {
	lru *expirable.LRU[string, *wechat.RawMessage]
}

// New creates a cache holding at most size messages for at most ttl.
// Non-positive values fall back to the defaults.
func New(size int, ttl time.Duration, log zerolog.Logger) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	log = log.With().Str("component", "message_cache").Logger()
	onEvict := func(id string, msg *wechat.RawMessage) {
		log.Trace().Str("msg_id", id).Stringer("msg_type", msg.MsgType).Msg("Evicted raw message")
	}
	return &Cache{lru: expirable.NewLRU[string, *wechat.RawMessage](size, onEvict, ttl)}
}

// Add stores msg under its id. It reports whether an entry with the same id
// was already present, which callers use to drop re-delivered messages.
func (c *Cache) Add(msg *wechat.RawMessage) (duplicate bool) {
	duplicate = c.lru.Contains(msg.MsgID)
	c.lru.Add(msg.MsgID, msg)
	return duplicate
}

// Get returns the cached message with the given id.
func (c *Cache) Get(id string) (*wechat.RawMessage, bool) {
	return c.lru.Get(id)
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
