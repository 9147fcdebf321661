// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wechat

import (
	"errors"
	"fmt"
	"time"
)

// MsgType is the numeric wire type the web protocol attaches to every message.
type MsgType int

const (
	MsgTypeText           MsgType = 1
	MsgTypeImage          MsgType = 3
	MsgTypeVoice          MsgType = 34
	MsgTypeVerifyMsg      MsgType = 37
	MsgTypePossibleFriend MsgType = 40
	MsgTypeShareCard      MsgType = 42
	MsgTypeVideo          MsgType = 43
	MsgTypeEmoticon       MsgType = 47
	MsgTypeLocation       MsgType = 48
	MsgTypeApp            MsgType = 49
	MsgTypeVoipMsg        MsgType = 50
	MsgTypeStatusNotify   MsgType = 51
	MsgTypeVoipNotify     MsgType = 52
	MsgTypeVoipInvite     MsgType = 53
	MsgTypeMicroVideo     MsgType = 62
	MsgTypeSysNotice      MsgType = 9999
	MsgTypeSys            MsgType = 10000
	MsgTypeRecalled       MsgType = 10002
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeText:
		return "text"
	case MsgTypeImage:
		return "image"
	case MsgTypeVoice:
		return "voice"
	case MsgTypeVerifyMsg:
		return "verify"
	case MsgTypePossibleFriend:
		return "possible-friend"
	case MsgTypeShareCard:
		return "share-card"
	case MsgTypeVideo:
		return "video"
	case MsgTypeEmoticon:
		return "emoticon"
	case MsgTypeLocation:
		return "location"
	case MsgTypeApp:
		return "app"
	case MsgTypeVoipMsg:
		return "voip"
	case MsgTypeStatusNotify:
		return "status-notify"
	case MsgTypeVoipNotify:
		return "voip-notify"
	case MsgTypeVoipInvite:
		return "voip-invite"
	case MsgTypeMicroVideo:
		return "micro-video"
	case MsgTypeSysNotice:
		return "sys-notice"
	case MsgTypeSys:
		return "sys"
	case MsgTypeRecalled:
		return "recalled"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// RawMessage is a message exactly as the web protocol client delivered it.
// It must not be modified after ingress: the cache, the dispatcher and the
// normalization pipeline all read the same value.
type RawMessage struct {
	MsgID        string  `json:"MsgId"`
	FromUserName string  `json:"FromUserName"`
	ToUserName   string  `json:"ToUserName"`
	Content      string  `json:"Content"`
	MsgType      MsgType `json:"MsgType"`
	CreateTime   int64   `json:"CreateTime"`

	// OriginalContent is the unescaped body. In rooms it is prefixed with
	// "<talker id>:<br/>", which is the only reliable source of the sender.
	OriginalContent string `json:"OriginalContent"`

	AppMsgType int    `json:"AppMsgType,omitempty"`
	FileName   string `json:"FileName,omitempty"`
	MediaID    string `json:"MediaId,omitempty"`
	URL        string `json:"Url,omitempty"`
}

// ErrMissingID is returned for raw messages that arrive without a MsgID.
var ErrMissingID = errors.New("raw message has no id")

// Validate checks the fields every raw message must carry.
func (m *RawMessage) Validate() error {
	if m == nil || m.MsgID == "" {
		return ErrMissingID
	}
	return nil
}

// Time returns CreateTime as a time.Time.
func (m *RawMessage) Time() time.Time {
	return time.Unix(m.CreateTime, 0)
}

// MessageType is the coarse, normalized message type.
type MessageType int

const (
	MessageTypeUnknown MessageType = iota
	MessageTypeText
	MessageTypeImage
	MessageTypeAudio
	MessageTypeVideo
	MessageTypeEmoticon
	MessageTypeAttachment
	MessageTypeURL
	MessageTypeMiniProgram
	MessageTypeLocation
	MessageTypeContact
	MessageTypeTransfer
	MessageTypeRedEnvelope
	MessageTypeRecalled
	MessageTypeChatHistory
	MessageTypePost
	MessageTypeGroupNote
)

var messageTypeNames = map[MessageType]string{
	MessageTypeUnknown:     "unknown",
	MessageTypeText:        "text",
	MessageTypeImage:       "image",
	MessageTypeAudio:       "audio",
	MessageTypeVideo:       "video",
	MessageTypeEmoticon:    "emoticon",
	MessageTypeAttachment:  "attachment",
	MessageTypeURL:         "url",
	MessageTypeMiniProgram: "mini-program",
	MessageTypeLocation:    "location",
	MessageTypeContact:     "contact",
	MessageTypeTransfer:    "transfer",
	MessageTypeRedEnvelope: "red-envelope",
	MessageTypeRecalled:    "recalled",
	MessageTypeChatHistory: "chat-history",
	MessageTypePost:        "post",
	MessageTypeGroupNote:   "group-note",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", int(t))
}

func (t MessageType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// MessagePayload is the fully normalized message. Exactly one of RoomID and
// ListenerID is set on a valid payload.
type MessagePayload struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"type"`
	TalkerID  string      `json:"talker_id"`

	ListenerID    string   `json:"listener_id,omitempty"`
	RoomID        string   `json:"room_id,omitempty"`
	MentionIDList []string `json:"mention_id_list,omitempty"`

	Text     string `json:"text,omitempty"`
	Title    string `json:"title,omitempty"`
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Contact is a directory record for an individual contact or a room.
type Contact struct {
	UserName   string `json:"UserName"`
	NickName   string `json:"NickName"`
	RemarkName string `json:"RemarkName,omitempty"`
	Alias      string `json:"Alias,omitempty"`
	HeadImgURL string `json:"HeadImgUrl,omitempty"`
	Signature  string `json:"Signature,omitempty"`
	Province   string `json:"Province,omitempty"`
	City       string `json:"City,omitempty"`
	Sex        int    `json:"Sex,omitempty"`
	VerifyFlag int    `json:"VerifyFlag,omitempty"`
	StarFriend int    `json:"StarFriend,omitempty"`

	// MemberList is only populated for rooms.
	MemberList []RoomMember `json:"MemberList,omitempty"`
}

// IsOfficial reports whether the contact is an official (subscription or
// service) account.
func (c *Contact) IsOfficial() bool {
	return c.UserName != "" && !IsRoomID(c.UserName) && c.VerifyFlag&8 != 0
}

// RoomMember is a member entry inside a room record.
type RoomMember struct {
	UserName    string `json:"UserName"`
	NickName    string `json:"NickName"`
	DisplayName string `json:"DisplayName,omitempty"`
	HeadImgURL  string `json:"HeadImgUrl,omitempty"`
}

// ContactRef identifies a contact for a batched fetch. RoomID is the
// room the contact was seen in, or empty for direct contacts.
type ContactRef struct {
	UserName string `json:"UserName"`
	RoomID   string `json:"EncryChatRoomId"`
}
