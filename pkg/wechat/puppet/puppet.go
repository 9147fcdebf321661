// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package puppet is the inbound side of a logged-in WeChat session: it takes
// raw messages from the web protocol client, classifies them into events,
// hands those to a subscriber and answers payload lookups afterwards.
package puppet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/events"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/msgcache"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/normalize"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/resolver"
)

var (
	ErrMessageNotFound = errors.New("message not found in cache")
	ErrUnexpectedType  = errors.New("message has an unexpected type")
)

type Config struct {
	CacheSize int
	CacheTTL  time.Duration

	LeaveDebounce time.Duration

	ResolverInterval  time.Duration
	ResolverBatchSize int

	// PatternsFile optionally adds notice patterns on top of the built-in
	// ones. The file is watched and reloaded on change.
	PatternsFile string
}

// Directory is the contact directory the puppet reads and keeps up to date.
type Directory interface {
	events.Directory
	resolver.Directory

	HasContact(id string) bool
	Room(id string) (wechat.Contact, bool)
	RemoveRoomMembers(roomID string, memberIDs ...string)
	SetRoomTopic(roomID, topic string)
}

type Puppet struct {
	log        zerolog.Logger
	session    events.Session
	directory  Directory
	subscriber events.Subscriber

	cache      *msgcache.Cache
	ledger     *events.LeaveLedger
	dispatcher *events.Dispatcher
	pipeline   *normalize.Pipeline
	resolver   *resolver.Resolver
	watcher    *events.PatternWatcher

	// handleLock keeps classification serial, the leave ledger depends on
	// seeing notices in stream order.
	handleLock sync.Mutex
	stopOnce   sync.Once
}

func New(cfg Config, session events.Session, dir Directory, fetcher resolver.Fetcher, subscriber events.Subscriber, log zerolog.Logger) (*Puppet, error) {
	ledger := events.NewLeaveLedger(cfg.LeaveDebounce)
	p := &Puppet{
		log:        log,
		session:    session,
		directory:  dir,
		subscriber: subscriber,
		cache:      msgcache.New(cfg.CacheSize, cfg.CacheTTL, log),
		ledger:     ledger,
		dispatcher: events.NewDispatcher(events.DefaultMatchers(), session, dir, ledger, log),
		pipeline:   normalize.New(dir, log),
	}
	p.resolver = resolver.New(fetcher, dir, resolver.Config{
		Interval:   cfg.ResolverInterval,
		BatchSize:  cfg.ResolverBatchSize,
		SkipMember: ledger.IsDebouncing,
	}, log)

	if cfg.PatternsFile != "" {
		patterns, err := events.LoadPatterns(cfg.PatternsFile)
		if err != nil {
			p.Stop()
			return nil, err
		}
		p.dispatcher.SetPatterns(patterns)
		p.watcher, err = events.WatchPatterns(cfg.PatternsFile, log, p.dispatcher.SetPatterns)
		if err != nil {
			p.Stop()
			return nil, err
		}
	}
	return p, nil
}

// Run feeds messages from ch into HandleMessage until ch is closed or ctx is
// done. Per-message errors are logged and don't stop the loop.
func (p *Puppet) Run(ctx context.Context, ch <-chan *wechat.RawMessage) error {
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			_ = p.HandleMessage(ctx, raw)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleMessage classifies one raw message and delivers the resulting event.
// Messages whose id was already seen are dropped silently.
func (p *Puppet) HandleMessage(ctx context.Context, raw *wechat.RawMessage) (err error) {
	if err = raw.Validate(); err != nil {
		p.log.Warn().Err(err).Msg("Dropping invalid raw message")
		return err
	}
	log := p.log.With().Str("msg_id", raw.MsgID).Logger()
	if p.cache.Add(raw) {
		log.Debug().Msg("Dropping duplicate raw message")
		return nil
	}

	p.handleLock.Lock()
	defer p.handleLock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("Recovered panic while handling message")
			err = fmt.Errorf("panic while handling message %s: %v", raw.MsgID, r)
		}
	}()

	p.queueUnknown(raw)
	evt := p.dispatcher.Classify(ctx, raw)
	p.apply(evt)
	if p.subscriber == nil {
		return nil
	}
	if err = p.subscriber.OnEvent(ctx, evt); err != nil {
		log.Warn().Err(err).Stringer("event_kind", evt.Kind).Msg("Subscriber failed to handle event")
		return fmt.Errorf("failed to deliver %s event: %w", evt.Kind, err)
	}
	return nil
}

// queueUnknown schedules the conversation partners of raw for background
// resolution if the directory doesn't know them yet.
func (p *Puppet) queueUnknown(raw *wechat.RawMessage) {
	selfID := p.session.SelfID()
	for _, id := range []string{raw.FromUserName, raw.ToUserName} {
		if id == "" || id == selfID {
			continue
		}
		if wechat.IsRoomID(id) {
			if _, ok := p.directory.Room(id); !ok {
				p.resolver.Enqueue(id, "")
			}
		} else if !p.directory.HasContact(id) {
			p.resolver.Enqueue(id, "")
		}
	}
}

// apply keeps the directory in line with what an event says happened.
func (p *Puppet) apply(evt events.Event) {
	switch payload := evt.Payload.(type) {
	case *events.RoomJoin:
		// Member details aren't part of the notice, so refetch the room.
		p.resolver.Enqueue(payload.RoomID, "")
	case *events.RoomLeave:
		p.directory.RemoveRoomMembers(payload.RoomID, payload.RemoveeIDList...)
	case *events.RoomTopic:
		p.directory.SetRoomTopic(payload.RoomID, payload.NewTopic)
	case *events.Friendship:
		if payload.Type == events.FriendshipConfirm {
			p.resolver.Enqueue(payload.ContactID, "")
		}
	}
}

// MessagePayload returns the normalized form of a cached message.
func (p *Puppet) MessagePayload(ctx context.Context, id string) (*wechat.MessagePayload, error) {
	raw, err := p.MessageRawPayload(id)
	if err != nil {
		return nil, err
	}
	return p.pipeline.Normalize(ctx, raw)
}

// MessageRawPayload returns a cached message exactly as it was received.
func (p *Puppet) MessageRawPayload(id string) (*wechat.RawMessage, error) {
	raw, ok := p.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return raw, nil
}

func (p *Puppet) appMessage(id string) (*wechat.AppMessage, error) {
	raw, err := p.MessageRawPayload(id)
	if err != nil {
		return nil, err
	}
	if raw.MsgType != wechat.MsgTypeApp {
		return nil, fmt.Errorf("%w: %s is a %s message", ErrUnexpectedType, id, raw.MsgType)
	}
	return wechat.ParseAppMessage(raw.Content)
}

// MessageURL returns the link shared by a URL app card.
func (p *Puppet) MessageURL(_ context.Context, id string) (*wechat.URLLink, error) {
	am, err := p.appMessage(id)
	if err != nil {
		return nil, err
	}
	if am.Type != wechat.AppMessageURL {
		return nil, fmt.Errorf("%w: app card %s has type %d", ErrUnexpectedType, id, am.Type)
	}
	return am.URLLink(), nil
}

// MessageMiniProgram returns the mini program shared by an app card.
func (p *Puppet) MessageMiniProgram(_ context.Context, id string) (*wechat.MiniProgram, error) {
	am, err := p.appMessage(id)
	if err != nil {
		return nil, err
	}
	mp := am.MiniProgram()
	if mp == nil {
		return nil, fmt.Errorf("%w: app card %s has no mini program", ErrUnexpectedType, id)
	}
	return mp, nil
}

// IsRoomLeaveDebouncing reports whether memberID recently left roomID and
// shouldn't be shown as a member again yet.
func (p *Puppet) IsRoomLeaveDebouncing(roomID, memberID string) bool {
	return p.ledger.IsDebouncing(roomID, memberID)
}

// ResolveContact queues id for a background refresh even if it is known.
func (p *Puppet) ResolveContact(id, roomID string) {
	p.resolver.Enqueue(id, roomID)
}

func (p *Puppet) Dispatcher() *events.Dispatcher {
	return p.dispatcher
}

func (p *Puppet) Resolver() *resolver.Resolver {
	return p.resolver
}

func (p *Puppet) CacheLen() int {
	return p.cache.Len()
}

// Stop stops the resolver, every pending leave timer and the pattern
// watcher. It is safe to call more than once.
func (p *Puppet) Stop() {
	p.stopOnce.Do(func() {
		p.resolver.Stop()
		p.ledger.Stop()
		if p.watcher != nil {
			p.watcher.Stop()
		}
		p.cache.Purge()
	})
}
