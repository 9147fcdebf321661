package connector

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/event"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/events"
)

func newTestClient() *WCClient {
	login := &bridgev2.UserLogin{UserLogin: &database.UserLogin{ID: "login"}}
	c := newWCClient(&WCConnector{}, login)
	c.selfID = "wxid_self"
	return c
}

func TestMakeEventSender(t *testing.T) {
	c := newTestClient()
	self := c.makeEventSender("wxid_self")
	if !self.IsFromMe || self.SenderLogin != "login" || self.Sender != "wxid_self" {
		t.Errorf("self sender = %+v", self)
	}
	if other := c.makeEventSender("bob_id"); other.IsFromMe || other.Sender != "bob_id" {
		t.Errorf("other sender = %+v", other)
	}
	if unknown := c.makeEventSender(""); unknown.IsFromMe || unknown.Sender != "" || unknown.SenderLogin != "" {
		t.Errorf("unresolved sender = %+v, want empty", unknown)
	}
}

func TestUnresolvedRemoverIsNotSelf(t *testing.T) {
	c := newTestClient()
	evt := events.Event{
		Kind: events.KindRoomLeave,
		Payload: &events.RoomLeave{
			RoomID:        "12345@chatroom",
			RemoveeIDList: []string{"wxid_self"},
			Timestamp:     1700000000,
		},
	}
	remote, err := c.remoteEventFor(context.Background(), zerolog.Nop(), evt)
	if err != nil {
		t.Fatal(err)
	}
	change, ok := remote.(*simplevent.ChatInfoChange)
	if !ok {
		t.Fatalf("expected chat info change, got %T", remote)
	}
	if change.Sender.IsFromMe || change.Sender.Sender != "" {
		t.Errorf("unresolved remover attributed to %+v", change.Sender)
	}
	member, ok := change.ChatInfoChange.MemberChanges.MemberMap[networkid.UserID("wxid_self")]
	if !ok || !member.IsFromMe || member.Membership != event.MembershipLeave {
		t.Errorf("removee = %+v", member)
	}
}

func TestPayloadContent(t *testing.T) {
	tests := []struct {
		name      string
		payload   wechat.MessagePayload
		msgType   event.MessageType
		body      string
		formatted string
	}{
		{
			name:    "text",
			payload: wechat.MessagePayload{Type: wechat.MessageTypeText, Text: "hello"},
			msgType: event.MsgText,
			body:    "hello",
		},
		{
			name:      "url",
			payload:   wechat.MessagePayload{Type: wechat.MessageTypeURL, Title: "Trail map & notes", URL: "https://example.com/?a=1&b=2"},
			msgType:   event.MsgText,
			body:      "Trail map & notes\nhttps://example.com/?a=1&b=2",
			formatted: `<a href="https://example.com/?a=1&amp;b=2">Trail map &amp; notes</a>`,
		},
		{
			name:    "url without link",
			payload: wechat.MessagePayload{Type: wechat.MessageTypeURL, Title: "Shared card"},
			msgType: event.MsgText,
			body:    "Shared card",
		},
		{
			name:    "attachment",
			payload: wechat.MessagePayload{Type: wechat.MessageTypeAttachment, Filename: "route.gpx"},
			msgType: event.MsgNotice,
			body:    "[attachment] route.gpx",
		},
		{
			name:    "image without name",
			payload: wechat.MessagePayload{Type: wechat.MessageTypeImage},
			msgType: event.MsgNotice,
			body:    "[image]",
		},
		{
			name:    "recalled",
			payload: wechat.MessagePayload{Type: wechat.MessageTypeRecalled},
			msgType: event.MsgNotice,
			body:    "A message was recalled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := payloadContent(&tt.payload)
			if content.MsgType != tt.msgType {
				t.Errorf("MsgType = %s, want %s", content.MsgType, tt.msgType)
			}
			if content.Body != tt.body {
				t.Errorf("Body = %q, want %q", content.Body, tt.body)
			}
			if content.FormattedBody != tt.formatted {
				t.Errorf("FormattedBody = %q, want %q", content.FormattedBody, tt.formatted)
			}
			if tt.formatted != "" && content.Format != event.FormatHTML {
				t.Errorf("Format = %q, want HTML", content.Format)
			}
		})
	}
}
