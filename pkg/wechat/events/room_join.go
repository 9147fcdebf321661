package events

import (
	"context"
	"strings"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// secondPerson marks notices that include the logged-in user among the
// invitees, e.g. "X邀请你和Y加入了群聊".
const secondPerson = "你"

type joinFamily func(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) *RoomJoin

// MatchRoomJoin recognizes room join notices. The phrase families are tried
// in order and the first one that matches wins. Every resolved invitee
// retracts a pending leave for the same room, since a rejoin makes an
// earlier leave stale.
func MatchRoomJoin(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error) {
	if !isRoomSystemNotice(raw) {
		return nil, nil
	}
	for _, family := range []joinFamily{joinSelfInvitedOther, joinOtherInvitedSelf, joinOtherInvitedOther, joinViaOtherQRCode} {
		evt := family(ctx, mc, raw)
		if evt == nil {
			continue
		}
		if mc.Ledger != nil {
			for _, inviteeID := range evt.InviteeIDList {
				mc.Ledger.Remove(evt.RoomID, inviteeID)
			}
		}
		return evt, nil
	}
	return nil, nil
}

func joinSelfInvitedOther(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) *RoomJoin {
	m := mc.Patterns.matchFirstOf(raw.Content, FamilyJoinSelfInviteOther, FamilyJoinViaSelfQRCode)
	if m == nil {
		return nil
	}
	roomID := raw.FromUserName
	return &RoomJoin{
		RoomID:        roomID,
		InviterID:     mc.SelfID,
		InviteeIDList: appendResolved(nil, mc.resolveMember(ctx, roomID, m[1])),
		Timestamp:     raw.CreateTime,
	}
}

func joinOtherInvitedSelf(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) *RoomJoin {
	m := mc.Patterns.matchFirstOf(raw.Content, FamilyJoinOtherInviteSelf)
	if m == nil {
		return nil
	}
	roomID := raw.FromUserName
	return &RoomJoin{
		RoomID:        roomID,
		InviterID:     mc.resolveMember(ctx, roomID, m[1]),
		InviteeIDList: appendResolved(nil, mc.SelfID),
		Timestamp:     raw.CreateTime,
	}
}

func joinOtherInvitedOther(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) *RoomJoin {
	includesSelf := true
	m := mc.Patterns.matchFirstOf(raw.Content, FamilyJoinOtherInviteSelfAndOther)
	if m == nil {
		m = mc.Patterns.matchFirstOf(raw.Content, FamilyJoinOtherInviteOther)
		includesSelf = strings.Contains(raw.Content, secondPerson)
	}
	if len(m) < 3 {
		return nil
	}
	roomID := raw.FromUserName
	var invitees []string
	if includesSelf {
		invitees = appendResolved(invitees, mc.SelfID)
	}
	invitees = appendResolved(invitees, mc.resolveMember(ctx, roomID, m[2]))
	return &RoomJoin{
		RoomID:        roomID,
		InviterID:     mc.resolveMember(ctx, roomID, m[1]),
		InviteeIDList: invitees,
		Timestamp:     raw.CreateTime,
	}
}

func joinViaOtherQRCode(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) *RoomJoin {
	m := mc.Patterns.matchFirstOf(raw.Content, FamilyJoinViaOtherQRCode)
	if m == nil || len(m) < 3 {
		return nil
	}
	roomID := raw.FromUserName
	return &RoomJoin{
		RoomID:        roomID,
		InviterID:     mc.resolveMember(ctx, roomID, m[2]),
		InviteeIDList: appendResolved(nil, mc.resolveMember(ctx, roomID, m[1])),
		Timestamp:     raw.CreateTime,
	}
}
