package events

import (
	"context"
	"errors"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// MatchRoomInvite recognizes "X invited you to join Y" link cards. These are
// invitations that still have to be accepted, as opposed to the join notices
// handled by MatchRoomJoin.
func MatchRoomInvite(_ context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error) {
	if raw.MsgType != wechat.MsgTypeApp {
		return nil, nil
	}
	card, err := wechat.ParseAppMessage(raw.Content)
	if errors.Is(err, wechat.ErrNotAppMessage) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if card.Type != wechat.AppMessageURL || card.Title == "" || card.Des == "" {
		return nil, nil
	}
	if matchFirst(mc.Patterns.Get(FamilyRoomInviteTitle), card.Title) == nil {
		return nil, nil
	}
	desc := matchFirst(mc.Patterns.Get(FamilyRoomInviteDescription), card.Des)
	if desc == nil {
		return nil, nil
	}
	var topic string
	if len(desc) > 2 {
		topic = desc[2]
	}
	receiverID := raw.FromUserName
	if !wechat.IsRoomID(raw.FromUserName) {
		receiverID = mc.SelfID
	}
	return &RoomInvitation{
		ID:           raw.MsgID,
		InviterID:    raw.FromUserName,
		ReceiverID:   receiverID,
		Topic:        topic,
		Invitation:   card.URL,
		Avatar:       card.ThumbURL,
		MemberIDList: []string{},
		Timestamp:    raw.CreateTime,
	}, nil
}
