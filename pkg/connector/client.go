// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"fmt"
	"html"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/contactstore"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/directory"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/events"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/puppet"
)

var caps = &event.RoomFeatures{
	ID: "fi.mau.wechat.capabilities.2024_10_01",
}

var capsDM = &event.RoomFeatures{
	ID: "fi.mau.wechat.capabilities.2024_10_01+dm",
}

// WCClient is the bridgev2.NetworkAPI of one WeChat login. Classified events
// from the puppet are turned into remote events for the bridge.
type WCClient struct {
	Main      *WCConnector
	UserLogin *bridgev2.UserLogin

	web       WebClient
	selfID    string
	store     *contactstore.Store
	ownsStore bool
	directory *directory.Directory
	puppet    *puppet.Puppet

	// Background goroutine lifecycle
	stopRun context.CancelFunc
	bgWG    sync.WaitGroup

	connectLock sync.Mutex
}

var _ bridgev2.NetworkAPI = (*WCClient)(nil)
var _ events.Subscriber = (*WCClient)(nil)

func newWCClient(main *WCConnector, login *bridgev2.UserLogin) *WCClient {
	return &WCClient{
		Main:      main,
		UserLogin: login,
	}
}

func (c *WCClient) Connect(ctx context.Context) {
	c.connectLock.Lock()
	defer c.connectLock.Unlock()
	log := c.UserLogin.Log.With().Str("component", "wechat").Logger()
	c.UserLogin.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnecting})

	if c.Main.NewWebClient == nil {
		log.Error().Msg("No web protocol client factory configured")
		c.UserLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateUnknownError,
			Message:    ErrNoWebClient.Error(),
		})
		return
	}
	web, err := c.Main.NewWebClient(ctx, c.UserLogin)
	if err != nil {
		log.Err(err).Msg("Failed to restore web protocol session")
		c.UserLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Message:    fmt.Sprintf("Failed to connect: %v", err),
		})
		return
	}
	c.web = web
	c.selfID = web.SelfID()
	if meta, ok := c.UserLogin.Metadata.(*UserLoginMetadata); ok && meta.SelfID != c.selfID {
		meta.SelfID = c.selfID
		if err = c.UserLogin.Save(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to save login metadata")
		}
	}

	if err = c.openContactStore(ctx, log); err != nil {
		log.Err(err).Msg("Failed to open contact store")
		c.UserLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateUnknownError,
			Message:    fmt.Sprintf("Failed to open contact store: %v", err),
		})
		c.closeWeb(log)
		return
	}

	c.directory = directory.New()
	if n, err := c.store.LoadInto(ctx, c.directory); err != nil {
		log.Warn().Err(err).Msg("Failed to load saved contacts, starting with an empty directory")
	} else {
		log.Info().Int("count", n).Msg("Loaded saved contacts")
	}

	runCtx, cancel := context.WithCancel(log.WithContext(context.Background()))
	mirror := contactstore.NewMirror(runCtx, c.directory, c.store, log)
	c.puppet, err = puppet.New(c.Main.Config.PuppetConfig(), events.StaticSession(c.selfID), mirror, web, c, log)
	if err != nil {
		cancel()
		log.Err(err).Msg("Failed to start message pipeline")
		c.UserLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateUnknownError,
			Message:    fmt.Sprintf("Failed to start message pipeline: %v", err),
		})
		c.closeStore(log)
		c.closeWeb(log)
		return
	}

	log.Info().Str("self_id", c.selfID).Msg("Connected to WeChat")
	c.UserLogin.BridgeState.Send(status.BridgeState{StateEvent: status.StateConnected})

	c.stopRun = cancel
	c.bgWG.Add(2)
	go c.run(runCtx, log)
	go func() {
		defer c.bgWG.Done()
		c.runDirectorySync(runCtx, c.puppet, c.directory, log)
	}()
}

func (c *WCClient) run(ctx context.Context, log zerolog.Logger) {
	defer c.bgWG.Done()
	err := c.puppet.Run(ctx, c.web.Messages())
	if err == nil {
		log.Warn().Msg("Web protocol message stream closed")
		c.UserLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Message:    "WeChat message stream closed",
		})
	}
}

func (c *WCClient) openContactStore(ctx context.Context, log zerolog.Logger) error {
	log = log.With().Str("component", "contact_store").Logger()
	if path := c.Main.Config.ContactDatabase; path != "" {
		store, err := contactstore.Open(ctx, path, string(c.UserLogin.ID), log)
		if err != nil {
			return err
		}
		c.store, c.ownsStore = store, true
		return nil
	}
	if c.Main.Bridge.DB.Dialect != dbutil.SQLite {
		return fmt.Errorf("contact_database must be set when the bridge database is %s", c.Main.Bridge.DB.Dialect)
	}
	store := contactstore.New(c.Main.Bridge.DB.Database, string(c.UserLogin.ID), log)
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	c.store, c.ownsStore = store, false
	return nil
}

func (c *WCClient) closeStore(log zerolog.Logger) {
	if c.store != nil && c.ownsStore {
		if err := c.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close contact store")
		}
	}
	c.store = nil
}

func (c *WCClient) closeWeb(log zerolog.Logger) {
	if c.web == nil {
		return
	}
	if err := c.web.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close web protocol session")
	}
	c.web = nil
}

func (c *WCClient) Disconnect() {
	c.connectLock.Lock()
	defer c.connectLock.Unlock()
	log := c.UserLogin.Log.With().Str("component", "wechat").Logger()
	if c.stopRun != nil {
		c.stopRun()
		c.bgWG.Wait()
		c.stopRun = nil
	}
	if c.puppet != nil {
		c.puppet.Stop()
		c.puppet = nil
	}
	c.closeWeb(log)
	c.closeStore(log)
}

func (c *WCClient) IsLoggedIn() bool {
	return c.web != nil
}

func (c *WCClient) LogoutRemote(ctx context.Context) {
	c.Disconnect()
}

func (c *WCClient) IsThisUser(_ context.Context, userID networkid.UserID) bool {
	return c.selfID != "" && string(userID) == c.selfID
}

func (c *WCClient) GetCapabilities(ctx context.Context, portal *bridgev2.Portal) *event.RoomFeatures {
	if portal.RoomType == database.RoomTypeDM {
		return capsDM
	}
	return caps
}

func (c *WCClient) HandleMatrixMessage(ctx context.Context, msg *bridgev2.MatrixMessage) (*bridgev2.MatrixMessageResponse, error) {
	return nil, ErrSendingNotSupported
}

// ============================================================================
// Events from the puppet
// ============================================================================

// OnEvent is called by the puppet for every classified message, in stream
// order.
func (c *WCClient) OnEvent(ctx context.Context, evt events.Event) (err error) {
	log := zerolog.Ctx(ctx).With().Stringer("event_kind", evt.Kind).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("Recovered panic while converting event")
			err = fmt.Errorf("panic while converting %s event: %v", evt.Kind, r)
		}
	}()
	remote, err := c.remoteEventFor(ctx, log, evt)
	if err != nil || remote == nil {
		return err
	}
	c.Main.Bridge.QueueRemoteEvent(c.UserLogin, remote)
	return nil
}

func (c *WCClient) remoteEventFor(ctx context.Context, log zerolog.Logger, evt events.Event) (bridgev2.RemoteEvent, error) {
	switch payload := evt.Payload.(type) {
	case *events.Message:
		return c.messageEvent(ctx, payload.Raw)
	case *events.Friendship:
		if payload.Type != events.FriendshipConfirm {
			log.Info().
				Stringer("friendship_type", payload.Type).
				Str("contact_id", payload.ContactID).
				Msg("Ignoring friendship notice")
			return nil, nil
		}
		return &simplevent.ChatResync{
			EventMeta: simplevent.EventMeta{
				Type:         bridgev2.RemoteEventChatResync,
				PortalKey:    c.makePortalKey(payload.ContactID),
				CreatePortal: true,
				Timestamp:    unixTime(payload.Timestamp),
			},
			GetChatInfoFunc: c.GetChatInfo,
		}, nil
	case *events.RoomInvitation:
		log.Info().
			Str("inviter_id", payload.InviterID).
			Str("topic", payload.Topic).
			Msg("Received room invitation, accept it from a WeChat client")
		return nil, nil
	case *events.RoomJoin:
		return c.memberChange(payload.RoomID, payload.InviterID, payload.InviteeIDList, event.MembershipJoin, payload.Timestamp), nil
	case *events.RoomLeave:
		return c.memberChange(payload.RoomID, payload.RemoverID, payload.RemoveeIDList, event.MembershipLeave, payload.Timestamp), nil
	case *events.RoomTopic:
		topic := payload.NewTopic
		return &simplevent.ChatInfoChange{
			EventMeta: simplevent.EventMeta{
				Type:      bridgev2.RemoteEventChatInfoChange,
				PortalKey: c.makePortalKey(payload.RoomID),
				Sender:    c.makeEventSender(payload.ChangerID),
				Timestamp: unixTime(payload.Timestamp),
			},
			ChatInfoChange: &bridgev2.ChatInfoChange{
				ChatInfo: &bridgev2.ChatInfo{
					Name: &topic,
				},
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported event payload %T", evt.Payload)
	}
}

func (c *WCClient) messageEvent(ctx context.Context, raw *wechat.RawMessage) (bridgev2.RemoteEvent, error) {
	payload, err := c.puppet.MessagePayload(ctx, raw.MsgID)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize message: %w", err)
	}
	chatID := payload.RoomID
	if chatID == "" {
		chatID = payload.TalkerID
		if chatID == c.selfID {
			chatID = payload.ListenerID
		}
	}
	return &simplevent.Message[*wechat.MessagePayload]{
		EventMeta: simplevent.EventMeta{
			Type:         bridgev2.RemoteEventMessage,
			PortalKey:    c.makePortalKey(chatID),
			Sender:       c.makeEventSender(payload.TalkerID),
			CreatePortal: true,
			Timestamp:    unixTime(payload.Timestamp),
			LogContext: func(lc zerolog.Context) zerolog.Context {
				return lc.Str("msg_id", payload.ID).Stringer("msg_type", payload.Type)
			},
		},
		Data:               payload,
		ID:                 networkid.MessageID(payload.ID),
		ConvertMessageFunc: c.convertMessage,
	}, nil
}

func (c *WCClient) convertMessage(_ context.Context, _ *bridgev2.Portal, _ bridgev2.MatrixAPI, payload *wechat.MessagePayload) (*bridgev2.ConvertedMessage, error) {
	return &bridgev2.ConvertedMessage{
		Parts: []*bridgev2.ConvertedMessagePart{{
			Type:    event.EventMessage,
			Content: payloadContent(payload),
		}},
	}, nil
}

// payloadContent renders a normalized message. Media isn't downloaded, so
// non-text messages become notices describing what was sent.
func payloadContent(payload *wechat.MessagePayload) *event.MessageEventContent {
	switch payload.Type {
	case wechat.MessageTypeText:
		return &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    payload.Text,
		}
	case wechat.MessageTypeURL:
		title := payload.Title
		if title == "" {
			title = payload.URL
		}
		if payload.URL == "" {
			return &event.MessageEventContent{MsgType: event.MsgText, Body: title}
		}
		return &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          fmt.Sprintf("%s\n%s", title, payload.URL),
			Format:        event.FormatHTML,
			FormattedBody: fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(payload.URL), html.EscapeString(title)),
		}
	case wechat.MessageTypeRecalled:
		body := payload.Text
		if body == "" {
			body = "A message was recalled"
		}
		return &event.MessageEventContent{MsgType: event.MsgNotice, Body: body}
	}
	desc := payload.Filename
	if desc == "" {
		desc = payload.Title
	}
	body := fmt.Sprintf("[%s]", payload.Type)
	if desc != "" {
		body = fmt.Sprintf("[%s] %s", payload.Type, desc)
	}
	return &event.MessageEventContent{MsgType: event.MsgNotice, Body: body}
}

func (c *WCClient) memberChange(roomID, actorID string, memberIDs []string, membership event.Membership, ts int64) bridgev2.RemoteEvent {
	memberMap := make(map[networkid.UserID]bridgev2.ChatMember, len(memberIDs))
	for _, id := range memberIDs {
		memberMap[networkid.UserID(id)] = bridgev2.ChatMember{
			EventSender: c.makeEventSender(id),
			Membership:  membership,
		}
	}
	return &simplevent.ChatInfoChange{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventChatInfoChange,
			PortalKey: c.makePortalKey(roomID),
			Sender:    c.makeEventSender(actorID),
			Timestamp: unixTime(ts),
		},
		ChatInfoChange: &bridgev2.ChatInfoChange{
			MemberChanges: &bridgev2.ChatMemberList{
				MemberMap: memberMap,
			},
		},
	}
}

// ============================================================================
// Chat and user info
// ============================================================================

func (c *WCClient) GetChatInfo(ctx context.Context, portal *bridgev2.Portal) (*bridgev2.ChatInfo, error) {
	chatID := string(portal.ID)
	chatInfo := &bridgev2.ChatInfo{
		ExcludeChangesFromTimeline: true,
	}
	if !wechat.IsRoomID(chatID) {
		chatInfo.Type = ptr.Ptr(database.RoomTypeDM)
		chatInfo.Members = &bridgev2.ChatMemberList{
			IsFull: true,
			MemberMap: map[networkid.UserID]bridgev2.ChatMember{
				networkid.UserID(chatID):   {EventSender: c.makeEventSender(chatID), Membership: event.MembershipJoin},
				networkid.UserID(c.selfID): {EventSender: c.makeEventSender(c.selfID), Membership: event.MembershipJoin},
			},
		}
		return chatInfo, nil
	}

	chatInfo.Type = ptr.Ptr(database.RoomTypeDefault)
	if c.directory == nil || c.puppet == nil {
		return nil, fmt.Errorf("not connected")
	}
	room, ok := c.directory.Room(chatID)
	if !ok {
		c.puppet.ResolveContact(chatID, "")
		return nil, fmt.Errorf("room %s is not known yet", chatID)
	}
	if room.NickName != "" {
		name := room.NickName
		chatInfo.Name = &name
	}
	memberMap := make(map[networkid.UserID]bridgev2.ChatMember, len(room.MemberList)+1)
	for _, member := range room.MemberList {
		if c.puppet.IsRoomLeaveDebouncing(chatID, member.UserName) {
			continue
		}
		memberMap[networkid.UserID(member.UserName)] = bridgev2.ChatMember{
			EventSender: c.makeEventSender(member.UserName),
			Membership:  event.MembershipJoin,
		}
	}
	// The member list of a room fetched before we joined doesn't include us.
	if _, hasSelf := memberMap[networkid.UserID(c.selfID)]; !hasSelf {
		memberMap[networkid.UserID(c.selfID)] = bridgev2.ChatMember{
			EventSender: c.makeEventSender(c.selfID),
			Membership:  event.MembershipJoin,
		}
	}
	chatInfo.Members = &bridgev2.ChatMemberList{
		IsFull:    true,
		MemberMap: memberMap,
		PowerLevels: &bridgev2.PowerLevelOverrides{
			Invite: ptr.Ptr(95),
		},
	}
	return chatInfo, nil
}

func (c *WCClient) GetUserInfo(ctx context.Context, ghost *bridgev2.Ghost) (*bridgev2.UserInfo, error) {
	id := string(ghost.ID)
	if id == "" {
		return nil, nil
	}
	isBot := false
	ui := &bridgev2.UserInfo{
		IsBot:       &isBot,
		Identifiers: []string{},
	}
	params := DisplaynameParams{ID: id}
	if c.directory != nil {
		if contact, ok := c.directory.Contact(id); ok {
			params.NickName = contact.NickName
			params.RemarkName = contact.RemarkName
			params.Alias = contact.Alias
			isBot = contact.IsOfficial()
			if contact.Alias != "" {
				ui.Identifiers = append(ui.Identifiers, "wechat:"+contact.Alias)
			}
		} else if c.puppet != nil {
			c.puppet.ResolveContact(id, "")
		}
	}
	name := c.Main.Config.FormatDisplayname(params)
	ui.Name = &name
	return ui, nil
}

func (c *WCClient) makePortalKey(chatID string) networkid.PortalKey {
	return networkid.PortalKey{
		ID:       networkid.PortalID(chatID),
		Receiver: c.UserLogin.ID,
	}
}

// makeEventSender maps a WeChat id to an event sender. Unresolved actors
// have an empty id and get an empty sender, so the bridge bot sends the event.
func (c *WCClient) makeEventSender(id string) bridgev2.EventSender {
	if id == "" {
		return bridgev2.EventSender{}
	}
	if id == c.selfID {
		return bridgev2.EventSender{
			IsFromMe:    true,
			SenderLogin: c.UserLogin.ID,
			Sender:      networkid.UserID(c.selfID),
		}
	}
	return bridgev2.EventSender{
		Sender: networkid.UserID(id),
	}
}

func unixTime(ts int64) time.Time {
	if ts == 0 {
		return time.Now()
	}
	return time.Unix(ts, 0)
}
