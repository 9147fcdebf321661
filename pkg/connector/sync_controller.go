// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/puppet"
)

// runDirectorySync periodically requeues every known contact and room for
// resolution and pushes changed names to existing ghosts. Remarks and room
// member lists edited on the phone are otherwise never noticed, since the
// web protocol only announces them for rooms with traffic.
func (c *WCClient) runDirectorySync(ctx context.Context, p *puppet.Puppet, dir *directory.Directory, log zerolog.Logger) {
	log = log.With().Str("component", "directory_sync").Logger()
	// Names may have changed while the bridge was offline.
	c.refreshGhostNames(ctx, dir, log)

	interval := c.Main.Config.DirectorySyncInterval
	if interval <= 0 {
		log.Info().Msg("Periodic directory sync disabled by config")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.syncDirectoryOnce(ctx, p, dir, log)
		case <-ctx.Done():
			return
		}
	}
}

func (c *WCClient) syncDirectoryOnce(ctx context.Context, p *puppet.Puppet, dir *directory.Directory, log zerolog.Logger) {
	start := time.Now()
	// Names fetched by the previous pass are applied first.
	c.refreshGhostNames(ctx, dir, log)

	rooms := dir.Rooms()
	for _, room := range rooms {
		p.ResolveContact(room.UserName, "")
	}
	contacts := dir.Contacts()
	for _, contact := range contacts {
		p.ResolveContact(contact.UserName, "")
	}
	log.Info().
		Int("rooms", len(rooms)).
		Int("contacts", len(contacts)).
		Int("queued", p.Resolver().QueueLen()).
		Dur("elapsed", time.Since(start)).
		Msg("Queued directory refresh")
}

// refreshGhostNames updates ghosts whose stored name no longer matches the
// displayname template applied to the directory record.
func (c *WCClient) refreshGhostNames(ctx context.Context, dir *directory.Directory, log zerolog.Logger) {
	rows, err := c.Main.Bridge.DB.RawDB.QueryContext(ctx, "SELECT id, name FROM ghost")
	if err != nil {
		log.Err(err).Msg("Failed to query ghosts for name refresh")
		return
	}
	type staleGhost struct {
		id   networkid.UserID
		name string
	}
	var stale []staleGhost
	total := 0
	for rows.Next() {
		var ghostID, ghostName string
		if err = rows.Scan(&ghostID, &ghostName); err != nil {
			continue
		}
		total++
		contact, ok := dir.Contact(ghostID)
		if !ok {
			continue
		}
		name := c.Main.Config.FormatDisplayname(DisplaynameParams{
			NickName:   contact.NickName,
			RemarkName: contact.RemarkName,
			Alias:      contact.Alias,
			ID:         ghostID,
		})
		if ghostName != name {
			stale = append(stale, staleGhost{id: networkid.UserID(ghostID), name: name})
		}
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		log.Err(err).Msg("Failed to read ghosts for name refresh")
		return
	}

	updated := 0
	for _, g := range stale {
		ghost, err := c.Main.Bridge.GetGhostByID(ctx, g.id)
		if err != nil || ghost == nil {
			continue
		}
		name := g.name
		ghost.UpdateInfo(ctx, &bridgev2.UserInfo{Name: &name})
		updated++
	}
	log.Debug().Int("updated", updated).Int("total", total).Msg("Refreshed ghost names from directory")
}
