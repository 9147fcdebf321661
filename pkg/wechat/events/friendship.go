package events

import (
	"context"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// MatchFriendship recognizes confirmation and verification notices (system
// messages) and incoming friend requests (verify messages).
func MatchFriendship(_ context.Context, mc *MatchContext, raw *wechat.RawMessage) (Payload, error) {
	switch raw.MsgType {
	case wechat.MsgTypeSys:
		var typ FriendshipType
		if matchFirst(mc.Patterns.Get(FamilyFriendshipConfirm), raw.Content) != nil {
			typ = FriendshipConfirm
		} else if matchFirst(mc.Patterns.Get(FamilyFriendshipVerify), raw.Content) != nil {
			typ = FriendshipVerify
		} else {
			return nil, nil
		}
		return &Friendship{
			Type:      typ,
			ID:        raw.MsgID,
			ContactID: raw.FromUserName,
			Timestamp: raw.CreateTime,
		}, nil
	case wechat.MsgTypeVerifyMsg:
		req, err := wechat.ParseFriendRequest(raw.Content)
		if err != nil {
			return nil, err
		}
		return &Friendship{
			Type:               FriendshipReceive,
			ID:                 raw.MsgID,
			ContactID:          req.FromUserName,
			Timestamp:          raw.CreateTime,
			Hello:              req.Content,
			Scene:              req.SceneCode(),
			Stranger:           req.EncryptUserName,
			Ticket:             req.Ticket,
			SourceContactID:    req.SourceUserName,
			SourceNickName:     req.SourceNickName,
			ShareCardContactID: req.ShareCardUserName,
			ShareCardNickName:  req.ShareCardNickName,
		}, nil
	default:
		return nil, nil
	}
}
