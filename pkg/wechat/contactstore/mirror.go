// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package contactstore

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

// Mirror is a directory whose writes are also persisted to a Store. Reads
// never touch the database. Persistence failures are logged and otherwise
// ignored, the in-memory directory stays authoritative.
type Mirror struct {
	*directory.Directory

	ctx   context.Context
	store *Store
	log   zerolog.Logger
}

func NewMirror(ctx context.Context, dir *directory.Directory, store *Store, log zerolog.Logger) *Mirror {
	return &Mirror{
		Directory: dir,
		ctx:       ctx,
		store:     store,
		log:       log.With().Str("component", "contact_mirror").Logger(),
	}
}

func (m *Mirror) Upsert(contacts ...wechat.Contact) {
	m.Directory.Upsert(contacts...)
	m.persist(contacts)
}

func (m *Mirror) UpsertMissing(contacts ...wechat.Contact) {
	missing := make([]wechat.Contact, 0, len(contacts))
	for _, c := range contacts {
		if c.UserName != "" && !wechat.IsRoomID(c.UserName) && !m.HasContact(c.UserName) {
			missing = append(missing, c)
		}
	}
	m.Directory.UpsertMissing(missing...)
	m.persist(missing)
}

func (m *Mirror) RemoveRoomMembers(roomID string, memberIDs ...string) {
	m.Directory.RemoveRoomMembers(roomID, memberIDs...)
	if err := m.store.DeleteRoomMembers(m.ctx, roomID, memberIDs); err != nil {
		m.log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to delete persisted room members")
	}
}

func (m *Mirror) SetRoomTopic(roomID, topic string) {
	m.Directory.SetRoomTopic(roomID, topic)
	room, ok := m.Room(roomID)
	if !ok {
		return
	}
	// Members are persisted separately; an empty list keeps them.
	room.MemberList = nil
	m.persist([]wechat.Contact{room})
}

func (m *Mirror) persist(contacts []wechat.Contact) {
	if len(contacts) == 0 {
		return
	}
	if err := m.store.UpsertContacts(m.ctx, contacts); err != nil {
		m.log.Warn().Err(err).Int("count", len(contacts)).Msg("Failed to persist contacts")
	}
}
