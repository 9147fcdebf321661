package events

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

func newTestMatchContext(ledger *LeaveLedger) *MatchContext {
	return &MatchContext{
		SelfID:    testSelfID,
		Directory: newTestDirectory(),
		Ledger:    ledger,
		Patterns:  DefaultPatterns(),
		Log:       zerolog.Nop(),
	}
}

func TestMatchRoomJoinFamilies(t *testing.T) {
	tests := []struct {
		content  string
		inviter  string
		invitees []string
	}{
		{`你邀请"Bob"加入了群聊  `, testSelfID, []string{"bob_id"}},
		{`You invited Bob to the group chat. Revoke`, testSelfID, []string{"bob_id"}},
		{`" Bob"通过扫描你分享的二维码加入群聊`, testSelfID, []string{"bob_id"}},
		{`"Bob" joined group chat via the QR code you shared`, testSelfID, []string{"bob_id"}},
		{`"Carol"邀请你加入了群聊，群聊参与人还有：Bob`, "carol_id", []string{testSelfID}},
		{`Carol invited you to a group chat with Bob`, "carol_id", []string{testSelfID}},
		{`"Carol"邀请你和"Bob"加入了群聊`, "carol_id", []string{testSelfID, "bob_id"}},
		{`Carol invited you and Bob to the group chat`, "carol_id", []string{testSelfID, "bob_id"}},
		{`"Carol"邀请"Bob"加入了群聊`, "carol_id", []string{"bob_id"}},
		{`Carol invited Bob to the group chat`, "carol_id", []string{"bob_id"}},
		{`" Bob"通过扫描"Carol"分享的二维码加入群聊`, "carol_id", []string{"bob_id"}},
		{`"Bob" joined the group chat via the QR Code shared by "Carol"`, "carol_id", []string{"bob_id"}},
	}
	for _, tt := range tests {
		payload, err := MatchRoomJoin(context.Background(), newTestMatchContext(nil), sysNotice(tt.content))
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.content, err)
			continue
		}
		join, ok := payload.(*RoomJoin)
		if !ok {
			t.Errorf("%q: expected room join, got %#v", tt.content, payload)
			continue
		}
		if join.InviterID != tt.inviter || !reflect.DeepEqual(join.InviteeIDList, tt.invitees) {
			t.Errorf("%q: got inviter %q invitees %v, want %q %v", tt.content, join.InviterID, join.InviteeIDList, tt.inviter, tt.invitees)
		}
	}
}

func TestMatchRoomJoinRequiresRoomSystemNotice(t *testing.T) {
	direct := sysNotice(`你邀请"Bob"加入了群聊  `)
	direct.FromUserName = "bob_id"
	text := sysNotice(`你邀请"Bob"加入了群聊  `)
	text.MsgType = wechat.MsgTypeText
	for _, raw := range []*wechat.RawMessage{direct, text} {
		if payload, _ := MatchRoomJoin(context.Background(), newTestMatchContext(nil), raw); payload != nil {
			t.Errorf("expected decline for %+v", raw)
		}
	}
}

func TestMatchRoomJoinUnresolvedInvitee(t *testing.T) {
	payload, _ := MatchRoomJoin(context.Background(), newTestMatchContext(nil), sysNotice(`你邀请"Zed"加入了群聊  `))
	join, ok := payload.(*RoomJoin)
	if !ok {
		t.Fatalf("expected room join, got %#v", payload)
	}
	if join.InviterID != testSelfID || len(join.InviteeIDList) != 0 {
		t.Errorf("unexpected join %+v", join)
	}
}

func TestMatchRoomLeave(t *testing.T) {
	ledger := NewLeaveLedger(DefaultLeaveDebounce)
	defer ledger.Stop()
	mc := newTestMatchContext(ledger)

	payload, err := MatchRoomLeave(context.Background(), mc, sysNotice(`你将"Bob"移出了群聊`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leave, ok := payload.(*RoomLeave)
	if !ok {
		t.Fatalf("expected room leave, got %#v", payload)
	}
	if leave.RemoverID != testSelfID || !reflect.DeepEqual(leave.RemoveeIDList, []string{"bob_id"}) {
		t.Errorf("unexpected leave %+v", leave)
	}
	if !ledger.IsDebouncing(testRoomID, "bob_id") {
		t.Error("expected ledger entry for bob_id")
	}

	payload, _ = MatchRoomLeave(context.Background(), mc, sysNotice(`你被"Carol"移出群聊`))
	if leave, ok = payload.(*RoomLeave); !ok || leave.RemoverID != "carol_id" {
		t.Errorf("unexpected payload %#v", payload)
	}

	payload, _ = MatchRoomLeave(context.Background(), mc, sysNotice(`You were removed from the group chat by "Zed"`))
	if leave, ok = payload.(*RoomLeave); !ok || leave.RemoverID != "" || leave.RemoveeIDList[0] != testSelfID {
		t.Errorf("unresolved remover should stay empty, got %#v", payload)
	}
}

func TestLeaveThenRejoinClearsLedger(t *testing.T) {
	ledger := NewLeaveLedger(DefaultLeaveDebounce)
	defer ledger.Stop()
	d := newTestDispatcher(ledger)
	ctx := context.Background()

	if evt := d.Classify(ctx, sysNotice(`You removed "Bob" from the group chat`)); evt.Kind != KindRoomLeave {
		t.Fatalf("expected leave, got %s", evt.Kind)
	}
	if evt := d.Classify(ctx, sysNotice(`You removed "Bob" from the group chat`)); evt.Kind != KindRoomLeave {
		t.Fatalf("expected leave, got %s", evt.Kind)
	}
	if ledger.Len() != 1 {
		t.Fatalf("expected one ledger entry after duplicate leave, got %d", ledger.Len())
	}
	if evt := d.Classify(ctx, sysNotice(`You invited Bob to the group chat`)); evt.Kind != KindRoomJoin {
		t.Fatalf("expected join, got %s", evt.Kind)
	}
	if ledger.Len() != 0 {
		t.Errorf("expected ledger to be empty after rejoin, got %d", ledger.Len())
	}
}

func TestMatchRoomTopic(t *testing.T) {
	mc := newTestMatchContext(nil)
	tests := []struct {
		content  string
		changer  string
		newTopic string
	}{
		{`你修改群名为“山野”`, testSelfID, "山野"},
		{`You changed the group name to "Trail Crew"`, testSelfID, "Trail Crew"},
		{`"Carol"修改群名为“山野”`, "carol_id", "山野"},
		{`"Carol" changed the group name to "Trail Crew"`, "carol_id", "Trail Crew"},
	}
	for _, tt := range tests {
		payload, err := MatchRoomTopic(context.Background(), mc, sysNotice(tt.content))
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.content, err)
			continue
		}
		want := &RoomTopic{
			RoomID:    testRoomID,
			ChangerID: tt.changer,
			NewTopic:  tt.newTopic,
			OldTopic:  "Weekend Hiking",
			Timestamp: 1700000000,
		}
		if !reflect.DeepEqual(payload, want) {
			t.Errorf("%q: got %+v, want %+v", tt.content, payload, want)
		}
	}
}

func TestRoomTopicUnknownRoomHasEmptyOldTopic(t *testing.T) {
	d := newTestDispatcher(nil)
	raw := sysNotice(`"Carol" changed the group name to "Trail Crew"`)
	raw.FromUserName = "fresh@chatroom"
	evt := d.Classify(context.Background(), raw)
	if evt.Kind != KindRoomTopic {
		t.Fatalf("expected room topic, got %s", evt.Kind)
	}
	want := &RoomTopic{RoomID: "fresh@chatroom", NewTopic: "Trail Crew", Timestamp: 1700000000}
	if !reflect.DeepEqual(evt.Payload, want) {
		t.Errorf("got %+v, want %+v", evt.Payload, want)
	}
}

type brokenDirectory struct{}

func (brokenDirectory) MemberSearch(context.Context, string, string) []string { return nil }

func (brokenDirectory) RoomTopic(context.Context, string) (string, error) {
	return "", fmt.Errorf("contact store unavailable")
}

func TestRoomTopicLookupFailureFallsBackToMessage(t *testing.T) {
	d := NewDispatcher(DefaultMatchers(), StaticSession(testSelfID), brokenDirectory{}, nil, zerolog.Nop())
	raw := sysNotice(`You changed the group name to "Trail Crew"`)
	if evt := d.Classify(context.Background(), raw); evt.Kind != KindMessage {
		t.Errorf("expected plain message, got %s", evt.Kind)
	}
}

func TestMatchFriendship(t *testing.T) {
	mc := newTestMatchContext(nil)
	confirm := sysNotice("You have added Dave as your WeChat contact. Start chatting!")
	confirm.FromUserName = "wxid_dave"
	verify := sysNotice("Dave has enabled Friend Confirmation. You are not his/her friend.")
	verify.FromUserName = "wxid_dave"
	receive := &wechat.RawMessage{
		MsgID:        "2002",
		FromUserName: "fmessage",
		ToUserName:   testSelfID,
		MsgType:      wechat.MsgTypeVerifyMsg,
		CreateTime:   1700000100,
		Content: `<msg fromusername="wxid_dave" encryptusername="v1_stranger@stranger" fromnickname="Dave" ` +
			`content="Hi, I'm Dave" scene="14" ticket="v2_ticket@stranger" sourceusername="12345@chatroom" sourcenickname="Gophers"/>`,
	}

	payload, _ := MatchFriendship(context.Background(), mc, confirm)
	if f, ok := payload.(*Friendship); !ok || f.Type != FriendshipConfirm || f.ContactID != "wxid_dave" {
		t.Errorf("unexpected confirm payload %#v", payload)
	}
	payload, _ = MatchFriendship(context.Background(), mc, verify)
	if f, ok := payload.(*Friendship); !ok || f.Type != FriendshipVerify {
		t.Errorf("unexpected verify payload %#v", payload)
	}
	payload, err := MatchFriendship(context.Background(), mc, receive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &Friendship{
		Type:            FriendshipReceive,
		ID:              "2002",
		ContactID:       "wxid_dave",
		Timestamp:       1700000100,
		Hello:           "Hi, I'm Dave",
		Scene:           14,
		Stranger:        "v1_stranger@stranger",
		Ticket:          "v2_ticket@stranger",
		SourceContactID: "12345@chatroom",
		SourceNickName:  "Gophers",
	}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("got %+v, want %+v", payload, want)
	}
}

func TestFriendshipWireTypesAreExclusive(t *testing.T) {
	mc := newTestMatchContext(nil)
	confirmAsVerifyMsg := sysNotice("You have added Dave as your WeChat contact. Start chatting!")
	confirmAsVerifyMsg.MsgType = wechat.MsgTypeVerifyMsg
	if payload, _ := MatchFriendship(context.Background(), mc, confirmAsVerifyMsg); payload != nil {
		t.Errorf("confirm text must not match as a verify message: %#v", payload)
	}
	requestAsSys := sysNotice(`<msg fromusername="wxid_dave" encryptusername="v1" ticket="v2"/>`)
	if payload, _ := MatchFriendship(context.Background(), mc, requestAsSys); payload != nil {
		t.Errorf("friend request XML must not match as a system message: %#v", payload)
	}
}

func TestFriendRequestWithoutTicketIsPlainMessage(t *testing.T) {
	d := newTestDispatcher(nil)
	raw := &wechat.RawMessage{
		MsgID:        "2003",
		FromUserName: "fmessage",
		ToUserName:   testSelfID,
		MsgType:      wechat.MsgTypeVerifyMsg,
		Content:      `<msg fromusername="wxid_dave" encryptusername="v1_stranger@stranger" content="hi" scene="14"/>`,
	}
	evt := d.Classify(context.Background(), raw)
	if evt.Kind != KindMessage || evt.Payload.(*Message).Raw != raw {
		t.Errorf("expected plain message, got %+v", evt)
	}
}

const inviteCardTemplate = `<msg><appmsg appid="" sdkver="0">` +
	`<title>Group Chat Invitation</title>` +
	`<des>%s</des>` +
	`<type>%d</type>` +
	`<url>https://support.weixin.qq.com/cgi-bin/mmsupport-bin/addchatroombyinvite?ticket=abc</url>` +
	`<thumburl>https://wx.qlogo.cn/thumb.jpg</thumburl>` +
	`</appmsg><fromusername>carol_id</fromusername></msg>`

func inviteCard(from, des string, typ wechat.AppMessageType) *wechat.RawMessage {
	return &wechat.RawMessage{
		MsgID:        "3001",
		FromUserName: from,
		ToUserName:   testSelfID,
		MsgType:      wechat.MsgTypeApp,
		CreateTime:   1700000200,
		Content:      fmt.Sprintf(inviteCardTemplate, des, typ),
	}
}

func TestMatchRoomInvite(t *testing.T) {
	mc := newTestMatchContext(nil)
	payload, err := MatchRoomInvite(context.Background(), mc,
		inviteCard("carol_id", `"Carol" invited you to join the group chat "Trail Crew". Enter to view details.`, wechat.AppMessageURL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := &RoomInvitation{
		ID:           "3001",
		InviterID:    "carol_id",
		ReceiverID:   testSelfID,
		Topic:        "Trail Crew",
		Invitation:   "https://support.weixin.qq.com/cgi-bin/mmsupport-bin/addchatroombyinvite?ticket=abc",
		Avatar:       "https://wx.qlogo.cn/thumb.jpg",
		MemberIDList: []string{},
		Timestamp:    1700000200,
	}
	if !reflect.DeepEqual(payload, want) {
		t.Errorf("got %+v, want %+v", payload, want)
	}

	payload, _ = MatchRoomInvite(context.Background(), mc,
		inviteCard(testRoomID, `"Carol" invited you to join the group chat "Trail Crew". Enter to view details.`, wechat.AppMessageURL))
	if inv, ok := payload.(*RoomInvitation); !ok || inv.ReceiverID != testRoomID {
		t.Errorf("invite inside a room should be received by the room, got %#v", payload)
	}
}

func TestRoomInviteDeclines(t *testing.T) {
	d := newTestDispatcher(nil)
	for name, raw := range map[string]*wechat.RawMessage{
		"description mismatch": inviteCard("carol_id", "Check out this article", wechat.AppMessageURL),
		"wrong sub-type":       inviteCard("carol_id", `"Carol" invited you to join the group chat "Trail Crew". Enter to view details.`, wechat.AppMessageAttach),
		"not xml":              {MsgID: "3002", FromUserName: "carol_id", MsgType: wechat.MsgTypeApp, Content: "hello"},
	} {
		if evt := d.Classify(context.Background(), raw); evt.Kind != KindMessage {
			t.Errorf("%s: expected plain message, got %s", name, evt.Kind)
		}
	}
}
