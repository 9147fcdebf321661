// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package directory holds the eventually consistent contact and room member
// directory. It is written by the background resolver and read concurrently
// by event matchers and the normalization pipeline; absence of a record is a
// normal outcome, not an error.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

var ErrRoomNotFound = errors.New("room not found in directory")

type roomEntry struct {
	info    wechat.Contact
	members map[string]wechat.RoomMember
	// order keeps member insertion order so name searches are deterministic.
	order []string
}

// Directory is an in-memory, concurrency-safe directory.
type Directory struct {
	mu       sync.RWMutex
	contacts map[string]wechat.Contact
	rooms    map[string]*roomEntry
}

func New() *Directory {
	return &Directory{
		contacts: make(map[string]wechat.Contact),
		rooms:    make(map[string]*roomEntry),
	}
}

// Contact returns the record for an individual contact.
func (d *Directory) Contact(id string) (wechat.Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contacts[id]
	return c, ok
}

// Room returns the record for a room, with MemberList populated.
func (d *Directory) Room(id string) (wechat.Contact, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return wechat.Contact{}, false
	}
	return r.snapshot(), true
}

// RoomTopic returns the current topic of a room.
func (d *Directory) RoomTopic(_ context.Context, roomID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return r.info.NickName, nil
}

// HasContact reports whether the id is known, either as a contact or a room.
func (d *Directory) HasContact(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.contacts[id]; ok {
		return true
	}
	_, ok := d.rooms[id]
	return ok
}

// IsRoomMember reports whether memberID is listed in the room.
func (d *Directory) IsRoomMember(roomID, memberID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = r.members[memberID]
	return ok
}

// MemberSearch returns the ids of room members matching name. Members whose
// room alias matches come first, then nickname matches, then members whose
// contact remark name matches. An unknown room or name yields nil.
func (d *Directory) MemberSearch(_ context.Context, roomID, name string) []string {
	if name == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	var byAlias, byNick, byRemark []string
	for _, id := range r.order {
		m := r.members[id]
		switch {
		case m.DisplayName == name:
			byAlias = append(byAlias, id)
		case m.NickName == name:
			byNick = append(byNick, id)
		default:
			if c, ok := d.contacts[id]; ok && (c.RemarkName == name || c.NickName == name) {
				byRemark = append(byRemark, id)
			}
		}
	}
	return append(append(byAlias, byNick...), byRemark...)
}

// Upsert stores contact records. Room records replace the room's info and,
// when MemberList is non-empty, its member list.
func (d *Directory) Upsert(contacts ...wechat.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range contacts {
		if c.UserName == "" {
			continue
		}
		if !wechat.IsRoomID(c.UserName) {
			d.contacts[c.UserName] = c
			continue
		}
		r := d.roomLocked(c.UserName)
		members := c.MemberList
		c.MemberList = nil
		r.info = c
		if len(members) > 0 {
			r.setMembers(members)
		}
	}
}

// UpsertMissing stores individual contacts that aren't known yet. It is used
// for sparse records, like room members, that must not overwrite a full
// contact record.
func (d *Directory) UpsertMissing(contacts ...wechat.Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range contacts {
		if c.UserName == "" || wechat.IsRoomID(c.UserName) {
			continue
		}
		if _, ok := d.contacts[c.UserName]; !ok {
			d.contacts[c.UserName] = c
		}
	}
}

// SetRoomMembers replaces the member list of a room.
func (d *Directory) SetRoomMembers(roomID string, members []wechat.RoomMember) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roomLocked(roomID).setMembers(members)
}

// AddRoomMembers adds or updates members without touching other members.
func (d *Directory) AddRoomMembers(roomID string, members ...wechat.RoomMember) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.roomLocked(roomID)
	for _, m := range members {
		r.put(m)
	}
}

// RemoveRoomMembers deletes members from a room. Unknown ids are ignored.
func (d *Directory) RemoveRoomMembers(roomID string, memberIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[roomID]
	if !ok {
		return
	}
	for _, id := range memberIDs {
		if _, ok := r.members[id]; !ok {
			continue
		}
		delete(r.members, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// SetRoomTopic updates the cached topic of a room.
func (d *Directory) SetRoomTopic(roomID, topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.roomLocked(roomID)
	r.info.NickName = topic
}

// Contacts returns all individual contacts sorted by id.
func (d *Directory) Contacts() []wechat.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wechat.Contact, 0, len(d.contacts))
	for _, c := range d.contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

// Rooms returns all rooms with their member lists, sorted by id.
func (d *Directory) Rooms() []wechat.Contact {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]wechat.Contact, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserName < out[j].UserName })
	return out
}

func (d *Directory) roomLocked(roomID string) *roomEntry {
	r, ok := d.rooms[roomID]
	if !ok {
		r = &roomEntry{
			info:    wechat.Contact{UserName: roomID},
			members: make(map[string]wechat.RoomMember),
		}
		d.rooms[roomID] = r
	}
	return r
}

func (r *roomEntry) setMembers(members []wechat.RoomMember) {
	r.members = make(map[string]wechat.RoomMember, len(members))
	r.order = r.order[:0]
	for _, m := range members {
		r.put(m)
	}
}

func (r *roomEntry) put(m wechat.RoomMember) {
	if m.UserName == "" {
		return
	}
	if _, exists := r.members[m.UserName]; !exists {
		r.order = append(r.order, m.UserName)
	}
	r.members[m.UserName] = m
}

func (r *roomEntry) snapshot() wechat.Contact {
	c := r.info
	c.MemberList = make([]wechat.RoomMember, 0, len(r.order))
	for _, id := range r.order {
		c.MemberList = append(c.MemberList, r.members[id])
	}
	return c
}
