// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package resolver fetches unknown contacts in the background so that
// message handling never waits on a directory round trip.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 50
)

// Fetcher is the batched contact lookup of the web protocol client. Rooms are
// returned with their member lists.
type Fetcher interface {
	BatchGetContact(ctx context.Context, refs []wechat.ContactRef) ([]wechat.Contact, error)
}

// Directory is where fetched records are merged.
type Directory interface {
	Upsert(contacts ...wechat.Contact)
	UpsertMissing(contacts ...wechat.Contact)
}

type Config struct {
	Interval  time.Duration
	BatchSize int

	// SkipMember reports room members that must not be re-added when a room
	// record is merged, such as members whose leave is still debouncing.
	SkipMember func(roomID, memberID string) bool
}

type State int

const (
	StateIdle State = iota
	StateDraining
)

func (s State) String() string {
	if s == StateDraining {
		return "draining"
	}
	return "idle"
}

// Resolver queues contact references and drains them on a ticker, one
// batch per tick. The ticker only runs while there is work: it starts on
// the first Enqueue and stops on the first tick that finds the queue empty.
type Resolver struct {
	fetcher   Fetcher
	directory Directory
	cfg       Config
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []wechat.ContactRef
	pending  map[wechat.ContactRef]struct{}
	state    State
	stopLoop chan struct{}
	stopped  bool
}

func New(fetcher Fetcher, directory Directory, cfg Config, log zerolog.Logger) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Resolver{
		fetcher:   fetcher,
		directory: directory,
		cfg:       cfg,
		log:       log.With().Str("component", "contact_resolver").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[wechat.ContactRef]struct{}),
	}
}

// Enqueue schedules id for resolution. roomID is the room the id was seen
// in, or "" for direct contacts. Pairs that are already queued are ignored.
func (r *Resolver) Enqueue(id, roomID string) {
	if id == "" {
		return
	}
	ref := wechat.ContactRef{UserName: id, RoomID: roomID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if _, ok := r.pending[ref]; ok {
		return
	}
	r.pending[ref] = struct{}{}
	r.queue = append(r.queue, ref)
	if r.state == StateIdle {
		r.state = StateDraining
		r.stopLoop = make(chan struct{})
		r.wg.Add(1)
		go r.loop(r.stopLoop)
	}
}

func (r *Resolver) loop(stop chan struct{}) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !r.tick() {
				return
			}
		case <-stop:
			return
		}
	}
}

// tick drains one batch. It returns false once the queue was found empty and
// the resolver went back to idle.
func (r *Resolver) tick() bool {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	if len(r.queue) == 0 {
		r.state = StateIdle
		r.stopLoop = nil
		r.mu.Unlock()
		return false
	}
	n := min(len(r.queue), r.cfg.BatchSize)
	batch := append([]wechat.ContactRef(nil), r.queue[:n]...)
	r.mu.Unlock()

	contacts, err := r.fetcher.BatchGetContact(r.ctx, batch)
	if err != nil {
		// The batch stays at the head of the queue and is retried next tick.
		r.log.Warn().Err(err).Int("batch_size", len(batch)).Msg("Failed to fetch contact batch")
		return true
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return false
	}
	r.queue = r.queue[n:]
	for _, ref := range batch {
		delete(r.pending, ref)
	}
	remaining := len(r.queue)
	r.mu.Unlock()

	r.merge(contacts)
	r.log.Debug().
		Int("requested", len(batch)).
		Int("received", len(contacts)).
		Int("remaining", remaining).
		Msg("Resolved contact batch")
	return true
}

func (r *Resolver) merge(contacts []wechat.Contact) {
	for _, c := range contacts {
		if !wechat.IsRoomID(c.UserName) || len(c.MemberList) == 0 {
			r.directory.Upsert(c)
			continue
		}
		members := make([]wechat.RoomMember, 0, len(c.MemberList))
		memberContacts := make([]wechat.Contact, 0, len(c.MemberList))
		for _, m := range c.MemberList {
			if r.cfg.SkipMember != nil && r.cfg.SkipMember(c.UserName, m.UserName) {
				r.log.Debug().Str("room_id", c.UserName).Str("member_id", m.UserName).
					Msg("Not re-adding room member with a recent leave")
				continue
			}
			members = append(members, m)
			memberContacts = append(memberContacts, wechat.Contact{
				UserName:   m.UserName,
				NickName:   m.NickName,
				HeadImgURL: m.HeadImgURL,
			})
		}
		c.MemberList = members
		r.directory.Upsert(c)
		r.directory.UpsertMissing(memberContacts...)
	}
}

func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// QueueLen returns the number of references waiting to be fetched.
func (r *Resolver) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop cancels the ticker and any in-flight fetch and waits for the drain
// loop to exit. Queued references are dropped.
func (r *Resolver) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		if r.stopLoop != nil {
			close(r.stopLoop)
			r.stopLoop = nil
		}
		r.state = StateIdle
		r.queue = nil
		r.pending = make(map[wechat.ContactRef]struct{})
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
