// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"sync"
	"time"
)

// DefaultLeaveDebounce is how long a room leave stays registered. The
// transport sometimes repeats a leave notice well after the real one; the
// bound for that is not documented, one hour is what has been observed to
// suffice.
const DefaultLeaveDebounce = time.Hour

type ledgerKey struct {
	roomID   string
	memberID string
}

// LeaveLedger remembers recent room leaves so that stray duplicate leave
// notices and stale membership syncs can be suppressed. A rejoin observed
// inside the window retracts the entry.
type LeaveLedger struct {
	window time.Duration

	mu      sync.Mutex
	timers  map[ledgerKey]*time.Timer
	stopped bool
}

func NewLeaveLedger(window time.Duration) *LeaveLedger {
	if window <= 0 {
		window = DefaultLeaveDebounce
	}
	return &LeaveLedger{
		window: window,
		timers: make(map[ledgerKey]*time.Timer),
	}
}

// Add registers a leave of memberID from roomID. An existing entry for the
// same pair has its deadline refreshed.
func (l *LeaveLedger) Add(roomID, memberID string) {
	key := ledgerKey{roomID, memberID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	if old, ok := l.timers[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(l.window, func() {
		l.expire(key, timer)
	})
	l.timers[key] = timer
}

func (l *LeaveLedger) expire(key ledgerKey, timer *time.Timer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// A refresh may have replaced the entry after this timer fired.
	if l.timers[key] == timer {
		delete(l.timers, key)
	}
}

// Remove cancels the entry for the pair. Removing a missing or already
// expired entry is a no-op.
func (l *LeaveLedger) Remove(roomID, memberID string) {
	key := ledgerKey{roomID, memberID}
	l.mu.Lock()
	defer l.mu.Unlock()
	if timer, ok := l.timers[key]; ok {
		timer.Stop()
		delete(l.timers, key)
	}
}

// IsDebouncing reports whether a leave of memberID from roomID was
// registered within the window.
func (l *LeaveLedger) IsDebouncing(roomID, memberID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.timers[ledgerKey{roomID, memberID}]
	return ok
}

// Len returns the number of live entries.
func (l *LeaveLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop cancels all live timers. Later calls to Add are ignored.
func (l *LeaveLedger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	for key, timer := range l.timers {
		timer.Stop()
		delete(l.timers, key)
	}
}
