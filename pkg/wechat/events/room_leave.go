package events

import (
	"context"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// MatchRoomLeave recognizes removal notices. Every removee is registered in
// the leave ledger; suppressing duplicates is up to the ledger's readers.
func MatchRoomLeave(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error) {
	if !isRoomSystemNotice(raw) {
		return nil, nil
	}
	roomID := raw.FromUserName
	var evt *RoomLeave
	if m := mc.Patterns.matchFirstOf(raw.Content, FamilyLeaveSelfRemoveOther); len(m) > 2 {
		evt = &RoomLeave{
			RoomID:        roomID,
			RemoverID:     mc.SelfID,
			RemoveeIDList: appendResolved(nil, mc.resolveMember(ctx, roomID, m[2])),
			Timestamp:     raw.CreateTime,
		}
	} else if m = mc.Patterns.matchFirstOf(raw.Content, FamilyLeaveOtherRemoveSelf); len(m) > 2 {
		evt = &RoomLeave{
			RoomID:        roomID,
			RemoverID:     mc.resolveMember(ctx, roomID, m[2]),
			RemoveeIDList: appendResolved(nil, mc.SelfID),
			Timestamp:     raw.CreateTime,
		}
	} else {
		return nil, nil
	}
	if mc.Ledger != nil {
		for _, removeeID := range evt.RemoveeIDList {
			mc.Ledger.Add(roomID, removeeID)
		}
	}
	return evt, nil
}
