// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package events classifies raw WeChat messages into typed domain events.
//
// Most semantically important occurrences (room joins, leaves, renames,
// friendship confirmations) have no dedicated wire type and are only visible
// as free-text system notices, so classification is a best-effort regex
// heuristic over bilingual phrase lists.
package events

import (
	"context"
	"fmt"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// Kind is the tag of a classified event.
type Kind int

const (
	KindMessage Kind = iota
	KindFriendship
	KindRoomInvite
	KindRoomJoin
	KindRoomLeave
	KindRoomTopic
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "message"
	case KindFriendship:
		return "friendship"
	case KindRoomInvite:
		return "room-invite"
	case KindRoomJoin:
		return "room-join"
	case KindRoomLeave:
		return "room-leave"
	case KindRoomTopic:
		return "room-topic"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Payload is implemented by every event payload type.
type Payload interface {
	EventKind() Kind
}

// Event is a classified raw message. Exactly one event is produced for each
// raw message that passes ingress validation.
type Event struct {
	Kind    Kind
	Payload Payload
}

// Subscriber receives classified events in stream order.
type Subscriber interface {
	OnEvent(ctx context.Context, evt Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, evt Event) error

func (f SubscriberFunc) OnEvent(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Message is the fallback event for raw messages no matcher claimed. Raw is
// the ingress value itself, not a copy.
type Message struct {
	Raw *wechat.RawMessage
}

func (*Message) EventKind() Kind { return KindMessage }

type FriendshipType int

const (
	FriendshipUnknown FriendshipType = iota
	FriendshipConfirm
	FriendshipReceive
	FriendshipVerify
)

func (t FriendshipType) String() string {
	switch t {
	case FriendshipConfirm:
		return "confirm"
	case FriendshipReceive:
		return "receive"
	case FriendshipVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// Friendship is a friend request, an accepted request, or a notice that the
// other side requires verification before chatting.
type Friendship struct {
	Type      FriendshipType
	ID        string
	ContactID string
	Timestamp int64

	// Only set for FriendshipReceive.
	Hello              string
	Scene              int
	Stranger           string
	Ticket             string
	SourceContactID    string
	SourceNickName     string
	ShareCardContactID string
	ShareCardNickName  string
}

func (*Friendship) EventKind() Kind { return KindFriendship }

// RoomInvitation is an invite card that still has to be accepted.
type RoomInvitation struct {
	ID           string
	InviterID    string
	ReceiverID   string
	Topic        string
	Invitation   string
	Avatar       string
	MemberCount  int
	MemberIDList []string
	Timestamp    int64
}

func (*RoomInvitation) EventKind() Kind { return KindRoomInvite }

type RoomJoin struct {
	RoomID        string
	InviterID     string
	InviteeIDList []string
	Timestamp     int64
}

func (*RoomJoin) EventKind() Kind { return KindRoomJoin }

type RoomLeave struct {
	RoomID        string
	RemoverID     string
	RemoveeIDList []string
	Timestamp     int64
}

func (*RoomLeave) EventKind() Kind { return KindRoomLeave }

type RoomTopic struct {
	RoomID    string
	ChangerID string
	NewTopic  string
	OldTopic  string
	Timestamp int64
}

func (*RoomTopic) EventKind() Kind { return KindRoomTopic }
