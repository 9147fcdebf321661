// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package contactstore persists the contact directory in SQLite so that
// names can be resolved right after a restart, before the resolver has
// fetched anything.
package contactstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

const lookupChunkSize = 500

// Store keeps the directory of one login. Several logins can share a
// database.
type Store struct {
	db      *dbutil.Database
	loginID string
	log     zerolog.Logger
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(ctx context.Context, path, loginID string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open contact database: %w", err)
	}
	log = log.With().Str("component", "contact_store").Logger()
	db.Log = dbutil.ZeroLogger(log)
	s := New(db, loginID, log)
	if err = s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func New(db *dbutil.Database, loginID string, log zerolog.Logger) *Store {
	return &Store{db: db, loginID: loginID, log: log}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS wechat_contact (
			login_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			nick_name TEXT NOT NULL DEFAULT '',
			remark_name TEXT NOT NULL DEFAULT '',
			alias TEXT NOT NULL DEFAULT '',
			head_img_url TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			province TEXT NOT NULL DEFAULT '',
			city TEXT NOT NULL DEFAULT '',
			sex INTEGER NOT NULL DEFAULT 0,
			verify_flag INTEGER NOT NULL DEFAULT 0,
			star_friend INTEGER NOT NULL DEFAULT 0,
			is_room BOOLEAN NOT NULL DEFAULT FALSE,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (login_id, user_name)
		)`,
		`CREATE TABLE IF NOT EXISTS wechat_room_member (
			login_id TEXT NOT NULL,
			room_id TEXT NOT NULL,
			user_name TEXT NOT NULL,
			nick_name TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			head_img_url TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			PRIMARY KEY (login_id, room_id, user_name)
		)`,
		`CREATE INDEX IF NOT EXISTS wechat_room_member_position_idx
			ON wechat_room_member (login_id, room_id, position)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure contact schema: %w", err)
		}
	}
	return nil
}

// UpsertContacts stores contacts and rooms in a single transaction. A room
// with a non-empty MemberList replaces its stored members; an empty list
// leaves them alone.
func (s *Store) UpsertContacts(ctx context.Context, contacts []wechat.Contact) error {
	if len(contacts) == 0 {
		return nil
	}
	tx, err := s.db.RawDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	contactStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wechat_contact (
			login_id, user_name, nick_name, remark_name, alias, head_img_url,
			signature, province, city, sex, verify_flag, star_friend,
			is_room, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (login_id, user_name) DO UPDATE SET
			nick_name=excluded.nick_name,
			remark_name=excluded.remark_name,
			alias=excluded.alias,
			head_img_url=excluded.head_img_url,
			signature=excluded.signature,
			province=excluded.province,
			city=excluded.city,
			sex=excluded.sex,
			verify_flag=excluded.verify_flag,
			star_friend=excluded.star_friend,
			is_room=excluded.is_room,
			updated_ts=excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare contact upsert: %w", err)
	}
	defer contactStmt.Close()

	memberStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO wechat_room_member (login_id, room_id, user_name, nick_name, display_name, head_img_url, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare member insert: %w", err)
	}
	defer memberStmt.Close()

	nowMS := time.Now().UnixMilli()
	for _, c := range contacts {
		if c.UserName == "" {
			continue
		}
		isRoom := wechat.IsRoomID(c.UserName)
		if _, err = contactStmt.ExecContext(ctx,
			s.loginID, c.UserName, c.NickName, c.RemarkName, c.Alias, c.HeadImgURL,
			c.Signature, c.Province, c.City, c.Sex, c.VerifyFlag, c.StarFriend,
			isRoom, nowMS,
		); err != nil {
			return fmt.Errorf("failed to upsert contact %s: %w", c.UserName, err)
		}
		if !isRoom || len(c.MemberList) == 0 {
			continue
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM wechat_room_member WHERE login_id=? AND room_id=?`, s.loginID, c.UserName); err != nil {
			return fmt.Errorf("failed to clear members of %s: %w", c.UserName, err)
		}
		seen := make(map[string]struct{}, len(c.MemberList))
		for i, m := range c.MemberList {
			if m.UserName == "" {
				continue
			}
			if _, dup := seen[m.UserName]; dup {
				continue
			}
			seen[m.UserName] = struct{}{}
			if _, err = memberStmt.ExecContext(ctx, s.loginID, c.UserName, m.UserName, m.NickName, m.DisplayName, m.HeadImgURL, i); err != nil {
				return fmt.Errorf("failed to insert member %s of %s: %w", m.UserName, c.UserName, err)
			}
		}
	}
	return tx.Commit()
}

// DeleteRoomMembers removes members from a stored room.
func (s *Store) DeleteRoomMembers(ctx context.Context, roomID string, memberIDs []string) error {
	for i := 0; i < len(memberIDs); i += lookupChunkSize {
		chunk := memberIDs[i:min(i+lookupChunkSize, len(memberIDs))]
		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+2)
		args = append(args, s.loginID, roomID)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+3)
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`DELETE FROM wechat_room_member WHERE login_id=$1 AND room_id=$2 AND user_name IN (%s)`,
			strings.Join(placeholders, ","),
		)
		if _, err := s.db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to delete room members: %w", err)
		}
	}
	return nil
}

const contactColumns = `user_name, nick_name, remark_name, alias, head_img_url,
	signature, province, city, sex, verify_flag, star_friend`

func scanContact(row dbutil.Scannable) (wechat.Contact, error) {
	var c wechat.Contact
	err := row.Scan(
		&c.UserName, &c.NickName, &c.RemarkName, &c.Alias, &c.HeadImgURL,
		&c.Signature, &c.Province, &c.City, &c.Sex, &c.VerifyFlag, &c.StarFriend,
	)
	return c, err
}

// GetContact returns a single stored record. Rooms come with their members.
func (s *Store) GetContact(ctx context.Context, id string) (*wechat.Contact, error) {
	c, err := scanContact(s.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM wechat_contact WHERE login_id=$1 AND user_name=$2`, s.loginID, id))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get contact %s: %w", id, err)
	}
	if wechat.IsRoomID(id) {
		members, err := s.membersOf(ctx, []string{id})
		if err != nil {
			return nil, err
		}
		c.MemberList = members[id]
	}
	return &c, nil
}

// GetContacts looks up many records at once. Unknown ids are absent from the
// returned map.
func (s *Store) GetContacts(ctx context.Context, ids []string) (map[string]wechat.Contact, error) {
	result := make(map[string]wechat.Contact, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	var roomIDs []string
	for i := 0; i < len(ids); i += lookupChunkSize {
		chunk := ids[i:min(i+lookupChunkSize, len(ids))]
		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, s.loginID)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+2)
			args = append(args, id)
		}
		query := fmt.Sprintf(
			`SELECT %s FROM wechat_contact WHERE login_id=$1 AND user_name IN (%s)`,
			contactColumns, strings.Join(placeholders, ","),
		)
		rows, err := s.db.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query contacts: %w", err)
		}
		for rows.Next() {
			c, err := scanContact(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan contact: %w", err)
			}
			result[c.UserName] = c
			if wechat.IsRoomID(c.UserName) {
				roomIDs = append(roomIDs, c.UserName)
			}
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate contacts: %w", err)
		}
	}
	if len(roomIDs) > 0 {
		members, err := s.membersOf(ctx, roomIDs)
		if err != nil {
			return nil, err
		}
		for roomID, list := range members {
			c := result[roomID]
			c.MemberList = list
			result[roomID] = c
		}
	}
	return result, nil
}

func (s *Store) membersOf(ctx context.Context, roomIDs []string) (map[string][]wechat.RoomMember, error) {
	result := make(map[string][]wechat.RoomMember, len(roomIDs))
	for i := 0; i < len(roomIDs); i += lookupChunkSize {
		chunk := roomIDs[i:min(i+lookupChunkSize, len(roomIDs))]
		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)+1)
		args = append(args, s.loginID)
		for j, id := range chunk {
			placeholders[j] = fmt.Sprintf("$%d", j+2)
			args = append(args, id)
		}
		query := fmt.Sprintf(`
			SELECT room_id, user_name, nick_name, display_name, head_img_url
			FROM wechat_room_member
			WHERE login_id=$1 AND room_id IN (%s)
			ORDER BY room_id, position
		`, strings.Join(placeholders, ","))
		if err := s.scanMembers(ctx, result, query, args...); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *Store) scanMembers(ctx context.Context, into map[string][]wechat.RoomMember, query string, args ...any) error {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query room members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var roomID string
		var m wechat.RoomMember
		if err = rows.Scan(&roomID, &m.UserName, &m.NickName, &m.DisplayName, &m.HeadImgURL); err != nil {
			return fmt.Errorf("failed to scan room member: %w", err)
		}
		into[roomID] = append(into[roomID], m)
	}
	return rows.Err()
}

// LoadInto copies every stored record into dir and returns how many
// contacts and rooms were loaded.
func (s *Store) LoadInto(ctx context.Context, dir *directory.Directory) (int, error) {
	rows, err := s.db.Query(ctx, `SELECT `+contactColumns+` FROM wechat_contact WHERE login_id=$1 ORDER BY user_name`, s.loginID)
	if err != nil {
		return 0, fmt.Errorf("failed to query contacts: %w", err)
	}
	var all []wechat.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan contact: %w", err)
		}
		all = append(all, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate contacts: %w", err)
	}

	members := make(map[string][]wechat.RoomMember)
	err = s.scanMembers(ctx, members, `
		SELECT room_id, user_name, nick_name, display_name, head_img_url
		FROM wechat_room_member
		WHERE login_id=$1
		ORDER BY room_id, position
	`, s.loginID)
	if err != nil {
		return 0, err
	}
	for i := range all {
		if list, ok := members[all[i].UserName]; ok {
			all[i].MemberList = list
		}
	}
	dir.Upsert(all...)
	s.log.Debug().Int("count", len(all)).Msg("Loaded contacts from database")
	return len(all), nil
}

// SaveFrom writes every record currently in dir.
func (s *Store) SaveFrom(ctx context.Context, dir *directory.Directory) error {
	all := append(dir.Contacts(), dir.Rooms()...)
	if err := s.UpsertContacts(ctx, all); err != nil {
		return err
	}
	s.log.Debug().Int("count", len(all)).Msg("Saved contacts to database")
	return nil
}
