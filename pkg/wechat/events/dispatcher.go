// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// Session provides the id of the logged-in user.
type Session interface {
	SelfID() string
}

// StaticSession is a Session with a fixed id.
type StaticSession string

func (s StaticSession) SelfID() string { return string(s) }

// Dispatcher runs an ordered list of matchers over each raw message and
// returns the first match, or a plain message event.
type Dispatcher struct {
	matchers  []Matcher
	session   Session
	directory Directory
	ledger    *LeaveLedger
	patterns  atomic.Pointer[Patterns]
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher. The matcher slice is copied, so the
// order is fixed once the dispatcher exists. A nil ledger gets a fresh one
// with the default window.
func NewDispatcher(matchers []Matcher, session Session, directory Directory, ledger *LeaveLedger, log zerolog.Logger) *Dispatcher {
	if ledger == nil {
		ledger = NewLeaveLedger(DefaultLeaveDebounce)
	}
	d := &Dispatcher{
		matchers:  append([]Matcher(nil), matchers...),
		session:   session,
		directory: directory,
		ledger:    ledger,
		log:       log.With().Str("component", "dispatcher").Logger(),
	}
	d.patterns.Store(DefaultPatterns())
	return d
}

// SetPatterns swaps the pattern set used by subsequent classifications.
func (d *Dispatcher) SetPatterns(p *Patterns) {
	if p == nil {
		p = DefaultPatterns()
	}
	d.patterns.Store(p)
}

func (d *Dispatcher) Patterns() *Patterns {
	return d.patterns.Load()
}

func (d *Dispatcher) Ledger() *LeaveLedger {
	return d.ledger
}

func (d *Dispatcher) Matchers() []Matcher {
	return append([]Matcher(nil), d.matchers...)
}

// isGatedType reports whether any matcher could accept the wire type. Every
// other type is a plain message without running a single regex.
func isGatedType(t wechat.MsgType) bool {
	switch t {
	case wechat.MsgTypeSys, wechat.MsgTypeVerifyMsg, wechat.MsgTypeApp:
		return true
	default:
		return false
	}
}

// Classify returns the event for a raw message. It never fails: matcher
// errors and panics are logged and count as a decline.
func (d *Dispatcher) Classify(ctx context.Context, raw *wechat.RawMessage) Event {
	plain := Event{Kind: KindMessage, Payload: &Message{Raw: raw}}
	if raw == nil || !isGatedType(raw.MsgType) {
		return plain
	}
	log := d.log.With().Str("msg_id", raw.MsgID).Stringer("msg_type", raw.MsgType).Logger()
	var selfID string
	if d.session != nil {
		selfID = d.session.SelfID()
	}
	mc := &MatchContext{
		SelfID:    selfID,
		Directory: d.directory,
		Ledger:    d.ledger,
		Patterns:  d.patterns.Load(),
		Log:       log,
	}
	for _, m := range d.matchers {
		payload, err := runMatcher(ctx, m, mc, raw)
		if err != nil {
			log.Debug().Err(err).Str("matcher", m.Name).Msg("Matcher failed to parse message")
			continue
		}
		if payload != nil {
			log.Debug().Str("matcher", m.Name).Stringer("event_kind", m.Kind).Msg("Classified message")
			return Event{Kind: m.Kind, Payload: payload}
		}
	}
	return plain
}

func runMatcher(ctx context.Context, m Matcher, mc *MatchContext, raw *wechat.RawMessage) (payload Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			mc.Log.Error().Any("panic", r).Str("matcher", m.Name).Str("stack", string(debug.Stack())).
				Msg("Recovered panic in event matcher")
			payload, err = nil, fmt.Errorf("panic in %s matcher: %v", m.Name, r)
		}
	}()
	return m.Match(ctx, mc, raw)
}
