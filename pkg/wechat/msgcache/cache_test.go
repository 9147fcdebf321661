package msgcache

import (
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

func TestCacheAddGet(t *testing.T) {
	c := New(10, time.Minute, zerolog.Nop())
	msg := &wechat.RawMessage{MsgID: "1", Content: "hello"}
	if dup := c.Add(msg); dup {
		t.Error("first add should not be a duplicate")
	}
	got, ok := c.Get("1")
	if !ok || got != msg {
		t.Fatalf("expected cached message, got %v %v", got, ok)
	}
	if dup := c.Add(&wechat.RawMessage{MsgID: "1"}); !dup {
		t.Error("second add with the same id should be a duplicate")
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("unexpected hit for unknown id")
	}
}

func TestCacheCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(3, time.Minute, zerolog.Nop())
	for i := 0; i < 3; i++ {
		c.Add(&wechat.RawMessage{MsgID: strconv.Itoa(i)})
	}
	// Touch "0" so "1" becomes the least recently used entry.
	c.Get("0")
	c.Add(&wechat.RawMessage{MsgID: "3"})

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	if _, ok := c.Get("1"); ok {
		t.Error("expected least recently used entry to be evicted")
	}
	for _, id := range []string{"0", "2", "3"} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("expected %s to remain cached", id)
		}
	}
}

func TestCacheExpires(t *testing.T) {
	c := New(10, 20*time.Millisecond, zerolog.Nop())
	c.Add(&wechat.RawMessage{MsgID: "1"})
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := c.Get("1"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry did not expire")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
