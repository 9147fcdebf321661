package normalize

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

var wireTypeMapping = map[wechat.MsgType]wechat.MessageType{
	wechat.MsgTypeText:         wechat.MessageTypeText,
	wechat.MsgTypeImage:        wechat.MessageTypeImage,
	wechat.MsgTypeVoice:        wechat.MessageTypeAudio,
	wechat.MsgTypeEmoticon:     wechat.MessageTypeEmoticon,
	wechat.MsgTypeApp:          wechat.MessageTypeAttachment,
	wechat.MsgTypeLocation:     wechat.MessageTypeLocation,
	wechat.MsgTypeMicroVideo:   wechat.MessageTypeVideo,
	wechat.MsgTypeVideo:        wechat.MessageTypeVideo,
	wechat.MsgTypeSys:          wechat.MessageTypeUnknown,
	wechat.MsgTypeShareCard:    wechat.MessageTypeContact,
	wechat.MsgTypeRecalled:     wechat.MessageTypeRecalled,
	wechat.MsgTypeStatusNotify: wechat.MessageTypeUnknown,
	wechat.MsgTypeSysNotice:    wechat.MessageTypeUnknown,
}

// TypeStage maps the wire type to a coarse message type. Media messages also
// get a filename, either the one the transport sent or one derived from the
// media MIME type.
func TypeStage(_ context.Context, env *Env, raw *wechat.RawMessage, st State) (State, error) {
	typ, ok := wireTypeMapping[raw.MsgType]
	if !ok {
		env.Log.Debug().Str("msg_id", raw.MsgID).Stringer("msg_type", raw.MsgType).Msg("Unsupported wire type")
		typ = wechat.MessageTypeUnknown
	}
	st.Payload.Type = typ
	if wechat.MediaMIMEType(raw.MsgType) != "" {
		if raw.FileName != "" {
			st.Payload.Filename = raw.FileName
		} else {
			st.Payload.Filename = wechat.DefaultMediaFilename(raw.MsgID, raw.MsgType)
		}
	}
	return st, nil
}

var (
	originalTalkerPrefix = regexp.MustCompile(`^(@[a-zA-Z0-9]+|[a-zA-Z0-9_-]+):<br/>`)
	contentTalkerPrefix  = regexp.MustCompile(`^(@[a-zA-Z0-9]+|[a-zA-Z0-9_@.-]+):\n`)
)

// roomOf returns the room a message belongs to, checking the sender before
// the recipient.
func roomOf(raw *wechat.RawMessage) string {
	if wechat.IsRoomID(raw.FromUserName) {
		return raw.FromUserName
	} else if wechat.IsRoomID(raw.ToUserName) {
		return raw.ToUserName
	}
	return ""
}

// RoomStage handles messages in rooms. Messages from other members arrive
// from the room id with the real sender prefixed to the body; messages the
// logged-in user sent to a room come from their own id.
func RoomStage(ctx context.Context, env *Env, raw *wechat.RawMessage, st State) (State, error) {
	roomID := roomOf(raw)
	if roomID == "" {
		return st, nil
	}
	st.IsRoom = true
	st.Payload.RoomID = roomID
	st.Payload.ListenerID = ""

	text := raw.Content
	if wechat.IsContactID(raw.FromUserName) {
		st.Payload.TalkerID = raw.FromUserName
	} else {
		if m := originalTalkerPrefix.FindStringSubmatch(raw.OriginalContent); m != nil {
			st.Payload.TalkerID = m[1]
		} else {
			// Some notices, like a room created with contacts that deleted
			// you, carry no sender at all.
			st.Payload.TalkerID = raw.ToUserName
		}
		if loc := contentTalkerPrefix.FindStringIndex(text); loc != nil {
			text = text[loc[1]:]
		}
	}
	st.Payload.Text = text
	st.Payload.MentionIDList = parseMentions(ctx, env, roomID, text)
	return st, nil
}

// mentionTerminator is the four-per-em space WeChat inserts after an
// @mention.
const mentionTerminator = "\u2005"

var (
	terminatedMention = regexp.MustCompile(`@([^@\x{2005}]+)\x{2005}`)
	bareMention       = regexp.MustCompile(`@([^@\s\x{2005}]+)(?:\s|$)`)
)

func parseMentions(ctx context.Context, env *Env, roomID, text string) []string {
	if env.Directory == nil || !strings.Contains(text, "@") {
		return nil
	}
	var names []string
	for _, m := range terminatedMention.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	rest := terminatedMention.ReplaceAllString(text, mentionTerminator)
	for _, m := range bareMention.FindAllStringSubmatch(rest, -1) {
		names = append(names, m[1])
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, name := range names {
		for _, id := range env.Directory.MemberSearch(ctx, roomID, name) {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

// DirectStage handles one-to-one chats.
func DirectStage(_ context.Context, _ *Env, raw *wechat.RawMessage, st State) (State, error) {
	if st.IsRoom {
		return st, nil
	}
	st.Payload.TalkerID = raw.FromUserName
	st.Payload.ListenerID = raw.ToUserName
	return st, nil
}

// AppStage refines app cards into a more specific type. A card that can't
// be parsed leaves the payload as a generic attachment.
func AppStage(_ context.Context, env *Env, raw *wechat.RawMessage, st State) (State, error) {
	if st.Payload.Type != wechat.MessageTypeAttachment {
		return st, nil
	}
	card, err := wechat.ParseAppMessage(raw.Content)
	if err != nil {
		env.Log.Warn().Err(err).Str("msg_id", raw.MsgID).Msg("Failed to parse app message")
		return st, nil
	}
	st.AppMessage = card
	switch card.Type {
	case wechat.AppMessageText:
		st.Payload.Type = wechat.MessageTypeText
		st.Payload.Text = card.Title
	case wechat.AppMessageAudio, wechat.AppMessageVideo, wechat.AppMessageURL:
		st.Payload.Type = wechat.MessageTypeURL
		st.Payload.Title = card.Title
		st.Payload.URL = card.URL
	case wechat.AppMessageAttach:
		st.Payload.Type = wechat.MessageTypeAttachment
		st.Payload.Filename = card.Title
	case wechat.AppMessageChatHistory:
		st.Payload.Type = wechat.MessageTypeChatHistory
		st.Payload.Title = card.Title
	case wechat.AppMessageMiniProgram, wechat.AppMessageMiniProgramApp:
		st.Payload.Type = wechat.MessageTypeMiniProgram
		st.Payload.Title = card.Title
	case wechat.AppMessageRedEnvelopes:
		st.Payload.Type = wechat.MessageTypeRedEnvelope
	case wechat.AppMessageTransfers:
		st.Payload.Type = wechat.MessageTypeTransfer
	case wechat.AppMessageRealtimeShareLocation:
		st.Payload.Type = wechat.MessageTypeLocation
	case wechat.AppMessageChannels:
		st.Payload.Type = wechat.MessageTypePost
		st.Payload.Text = card.Title
	case wechat.AppMessageGroupNote:
		st.Payload.Type = wechat.MessageTypeGroupNote
		st.Payload.Text = card.Title
	default:
		st.Payload.Type = wechat.MessageTypeUnknown
	}
	return st, nil
}

const referSeparator = "- - - - - - - - - - - - - - -"

// ReferStage renders a reply card as text: the quoted message, a separator
// line and the reply itself.
func ReferStage(_ context.Context, env *Env, raw *wechat.RawMessage, st State) (State, error) {
	card := st.AppMessage
	if card == nil || card.Type != wechat.AppMessageReferMsg || card.ReferMsg == nil {
		return st, nil
	}
	quoted := quotedContent(env, raw, card.ReferMsg)
	st.Payload.Type = wechat.MessageTypeText
	st.Payload.Text = fmt.Sprintf("「%s：%s」\n%s\n%s", card.ReferMsg.DisplayName, quoted, referSeparator, card.Title)
	return st, nil
}

func quotedContent(env *Env, raw *wechat.RawMessage, ref *wechat.ReferMsg) string {
	switch ref.MsgType() {
	case wechat.MsgTypeText:
		return ref.Content
	case wechat.MsgTypeImage:
		return "图片"
	case wechat.MsgTypeVideo:
		return "视频"
	case wechat.MsgTypeEmoticon:
		return "动画表情"
	case wechat.MsgTypeLocation:
		return "位置"
	case wechat.MsgTypeApp:
		inner, err := wechat.ParseAppMessage(ref.Content)
		if err != nil {
			env.Log.Debug().Err(err).Str("msg_id", raw.MsgID).Msg("Failed to parse quoted app message")
			return ""
		}
		return inner.Title
	default:
		return "未知消息"
	}
}
