package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
)

// MatchRoomTopic recognizes room renames. The old topic is read from the
// directory and is empty for rooms the directory doesn't know yet. Other
// lookup errors leave the notice as a plain message.
func MatchRoomTopic(ctx context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error) {
	if !isRoomSystemNotice(raw) {
		return nil, nil
	}
	roomID := raw.FromUserName
	var changerID, newTopic string
	if m := mc.Patterns.matchFirstOf(raw.Content, FamilyTopicSelf); len(m) > 2 {
		changerID = mc.SelfID
		newTopic = m[2]
	} else if m = mc.Patterns.matchFirstOf(raw.Content, FamilyTopicOther); len(m) > 2 {
		changerID = mc.resolveMember(ctx, roomID, m[1])
		newTopic = m[2]
	} else {
		return nil, nil
	}
	if mc.Directory == nil {
		return nil, fmt.Errorf("no directory to look up old topic of %s", roomID)
	}
	oldTopic, err := mc.Directory.RoomTopic(ctx, roomID)
	if errors.Is(err, directory.ErrRoomNotFound) {
		mc.Log.Debug().Str("room_id", roomID).Msg("Room not in directory, old topic is unknown")
		oldTopic, err = "", nil
	}
	if err != nil {
		mc.Log.Warn().Err(err).Str("room_id", roomID).Msg("Failed to get old room topic")
		return nil, fmt.Errorf("failed to get topic of %s: %w", roomID, err)
	}
	return &RoomTopic{
		RoomID:    roomID,
		ChangerID: changerID,
		NewTopic:  newTopic,
		OldTopic:  oldTopic,
		Timestamp: raw.CreateTime,
	}, nil
}
