package events

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

const (
	testSelfID = "wxid_self"
	testRoomID = "12345@chatroom"
)

func newTestDirectory() *directory.Directory {
	dir := directory.New()
	dir.Upsert(
		wechat.Contact{UserName: "bob_id", NickName: "Bob"},
		wechat.Contact{UserName: "carol_id", NickName: "Carol"},
		wechat.Contact{
			UserName: testRoomID,
			NickName: "Weekend Hiking",
			MemberList: []wechat.RoomMember{
				{UserName: testSelfID, NickName: "Me"},
				{UserName: "bob_id", NickName: "Bob"},
				{UserName: "carol_id", NickName: "Carol"},
			},
		},
	)
	return dir
}

func newTestDispatcher(ledger *LeaveLedger) *Dispatcher {
	return NewDispatcher(DefaultMatchers(), StaticSession(testSelfID), newTestDirectory(), ledger, zerolog.Nop())
}

func sysNotice(content string) *wechat.RawMessage {
	return &wechat.RawMessage{
		MsgID:        "1001",
		FromUserName: testRoomID,
		ToUserName:   testSelfID,
		Content:      content,
		MsgType:      wechat.MsgTypeSys,
		CreateTime:   1700000000,
	}
}

func TestClassifyUngatedTypesArePlainMessages(t *testing.T) {
	d := newTestDispatcher(nil)
	types := []wechat.MsgType{
		wechat.MsgTypeText, wechat.MsgTypeImage, wechat.MsgTypeVoice, wechat.MsgTypeShareCard,
		wechat.MsgTypeVideo, wechat.MsgTypeEmoticon, wechat.MsgTypeLocation, wechat.MsgTypeStatusNotify,
		wechat.MsgTypeMicroVideo, wechat.MsgTypeSysNotice, wechat.MsgTypeRecalled,
	}
	for _, typ := range types {
		raw := sysNotice(`你邀请"Bob"加入了群聊  `)
		raw.MsgType = typ
		before := *raw
		evt := d.Classify(context.Background(), raw)
		if evt.Kind != KindMessage {
			t.Errorf("%s: expected plain message, got %s", typ, evt.Kind)
			continue
		}
		msg, ok := evt.Payload.(*Message)
		if !ok || msg.Raw != raw {
			t.Errorf("%s: payload does not carry the raw message", typ)
		}
		if *raw != before {
			t.Errorf("%s: raw message was modified", typ)
		}
	}
}

func TestClassifyRoomJoinScenario(t *testing.T) {
	ledger := NewLeaveLedger(DefaultLeaveDebounce)
	defer ledger.Stop()
	ledger.Add(testRoomID, "bob_id")

	d := newTestDispatcher(ledger)
	evt := d.Classify(context.Background(), sysNotice(`你邀请"Bob"加入了群聊  `))
	if evt.Kind != KindRoomJoin {
		t.Fatalf("expected room join, got %s", evt.Kind)
	}
	want := &RoomJoin{
		RoomID:        testRoomID,
		InviterID:     testSelfID,
		InviteeIDList: []string{"bob_id"},
		Timestamp:     1700000000,
	}
	if !reflect.DeepEqual(evt.Payload, want) {
		t.Errorf("got %+v, want %+v", evt.Payload, want)
	}
	if ledger.IsDebouncing(testRoomID, "bob_id") {
		t.Error("join should have retracted the pending leave")
	}
}

func TestClassifyRoomLeaveScenario(t *testing.T) {
	ledger := NewLeaveLedger(DefaultLeaveDebounce)
	defer ledger.Stop()

	d := newTestDispatcher(ledger)
	evt := d.Classify(context.Background(), sysNotice(`You were removed from the group chat by "Carol"`))
	if evt.Kind != KindRoomLeave {
		t.Fatalf("expected room leave, got %s", evt.Kind)
	}
	want := &RoomLeave{
		RoomID:        testRoomID,
		RemoverID:     "carol_id",
		RemoveeIDList: []string{testSelfID},
		Timestamp:     1700000000,
	}
	if !reflect.DeepEqual(evt.Payload, want) {
		t.Errorf("got %+v, want %+v", evt.Payload, want)
	}
	if !ledger.IsDebouncing(testRoomID, testSelfID) {
		t.Error("expected a ledger entry for the removee")
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	d := newTestDispatcher(nil)
	defer d.Ledger().Stop()
	inputs := []*wechat.RawMessage{
		sysNotice(`"Carol"邀请你和"Bob"加入了群聊`),
		sysNotice(`你将"Bob"移出了群聊`),
		sysNotice(`"Carol" changed the group name to "Trail Crew"`),
		sysNotice(`something unrelated happened`),
	}
	for _, raw := range inputs {
		first := d.Classify(context.Background(), raw)
		second := d.Classify(context.Background(), raw)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("%q classified differently: %+v vs %+v", raw.Content, first, second)
		}
	}
}

func TestClassifyRecoversFromMatcherFailures(t *testing.T) {
	var calls []string
	matchers := []Matcher{
		{Name: "panics", Kind: KindRoomJoin, Match: func(context.Context, *MatchContext, *wechat.RawMessage) (Payload, error) {
			calls = append(calls, "panics")
			panic("boom")
		}},
		{Name: "errors", Kind: KindRoomJoin, Match: func(context.Context, *MatchContext, *wechat.RawMessage) (Payload, error) {
			calls = append(calls, "errors")
			return nil, errors.New("bad xml")
		}},
		{Name: "topic", Kind: KindRoomTopic, Match: MatchRoomTopic},
	}
	d := NewDispatcher(matchers, StaticSession(testSelfID), newTestDirectory(), nil, zerolog.Nop())
	evt := d.Classify(context.Background(), sysNotice(`你修改群名为“山野”`))
	if evt.Kind != KindRoomTopic {
		t.Fatalf("expected room topic, got %s", evt.Kind)
	}
	if !reflect.DeepEqual(calls, []string{"panics", "errors"}) {
		t.Errorf("unexpected matcher calls %v", calls)
	}
}

func TestClassifyUsesMatcherOrder(t *testing.T) {
	claim := func(kind Kind) MatchFunc {
		return func(_ context.Context, _ *MatchContext, raw *wechat.RawMessage) (Payload, error) {
			return &RoomTopic{RoomID: raw.FromUserName, NewTopic: kind.String()}, nil
		}
	}
	d := NewDispatcher([]Matcher{
		{Name: "first", Kind: KindRoomTopic, Match: claim(KindRoomTopic)},
		{Name: "second", Kind: KindRoomJoin, Match: claim(KindRoomJoin)},
	}, StaticSession(testSelfID), nil, nil, zerolog.Nop())
	evt := d.Classify(context.Background(), sysNotice("anything"))
	if evt.Kind != KindRoomTopic || evt.Payload.(*RoomTopic).NewTopic != "room-topic" {
		t.Errorf("first matcher should win, got %+v", evt)
	}
}

func TestSetPatternsAffectsClassification(t *testing.T) {
	d := newTestDispatcher(nil)
	defer d.Ledger().Stop()
	raw := sysNotice(`Du hast "Bob" in den Gruppenchat eingeladen`)
	if evt := d.Classify(context.Background(), raw); evt.Kind != KindMessage {
		t.Fatalf("expected plain message before extending patterns, got %s", evt.Kind)
	}
	patterns, err := ParsePatterns([]byte("room_join_self_invite_other:\n  - '^Du hast \"(.+)\" in den Gruppenchat eingeladen'\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.SetPatterns(patterns)
	evt := d.Classify(context.Background(), raw)
	if evt.Kind != KindRoomJoin {
		t.Fatalf("expected room join, got %s", evt.Kind)
	}
	if join := evt.Payload.(*RoomJoin); !reflect.DeepEqual(join.InviteeIDList, []string{"bob_id"}) {
		t.Errorf("unexpected invitees %v", join.InviteeIDList)
	}
}
