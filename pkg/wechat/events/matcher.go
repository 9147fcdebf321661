package events

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// Directory is the part of the contact directory matchers read. Both
// methods must tolerate concurrent writers and report unknown entries
// without blocking.
type Directory interface {
	MemberSearch(ctx context.Context, roomID, name string) []string
	RoomTopic(ctx context.Context, roomID string) (string, error)
}

// MatchContext is what a matcher may consult while classifying one message.
type MatchContext struct {
	SelfID    string
	Directory Directory
	Ledger    *LeaveLedger
	Patterns  *Patterns
	Log       zerolog.Logger
}

// MatchFunc inspects a raw message and returns a payload, or nil to decline.
// A returned error is treated as a decline by the dispatcher.
type MatchFunc func(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error)

type Matcher struct {
	Name  string
	Kind  Kind
	Match MatchFunc
}

// DefaultMatchers returns the built-in matchers in priority order: friendship
// notices first, then room lifecycle notices.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: "friendship", Kind: KindFriendship, Match: MatchFriendship},
		{Name: "room_invite", Kind: KindRoomInvite, Match: MatchRoomInvite},
		{Name: "room_join", Kind: KindRoomJoin, Match: MatchRoomJoin},
		{Name: "room_leave", Kind: KindRoomLeave, Match: MatchRoomLeave},
		{Name: "room_topic", Kind: KindRoomTopic, Match: MatchRoomTopic},
	}
}

// resolveMember returns the first member of roomID called name, or "" if the
// directory doesn't know one yet.
func (mc *MatchContext) resolveMember(ctx context.Context, roomID, name string) string {
	if mc.Directory == nil || name == "" {
		return ""
	}
	ids := mc.Directory.MemberSearch(ctx, roomID, name)
	if len(ids) == 0 {
		mc.Log.Debug().Str("room_id", roomID).Str("name", name).Msg("Room member name not resolved")
		return ""
	}
	return ids[0]
}

// isRoomSystemNotice is the cheap reject shared by the room lifecycle
// matchers.
func isRoomSystemNotice(raw *wechat.RawMessage) bool {
	return raw.MsgType == wechat.MsgTypeSys && wechat.IsRoomID(raw.FromUserName)
}

func appendResolved(list []string, id string) []string {
	if id == "" {
		return list
	}
	for _, existing := range list {
		if existing == id {
			return list
		}
	}
	return append(list, id)
}
