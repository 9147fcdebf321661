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
	"errors"

	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/resolver"
)

var (
	ErrLoginNotSupported   = errors.New("logging in is handled by the web protocol client")
	ErrSendingNotSupported = errors.New("sending messages to WeChat is not supported")
	ErrNoWebClient         = errors.New("no web protocol client configured")
)

// WebClient is the logged-in web protocol session of one account. It
// delivers raw messages in the order the server sent them and answers
// batched contact lookups.
type WebClient interface {
	resolver.Fetcher

	SelfID() string
	Messages() <-chan *wechat.RawMessage
	Close() error
}

// WebClientFactory restores the web protocol session of a login.
type WebClientFactory func(ctx context.Context, login *bridgev2.UserLogin) (WebClient, error)

// WCConnector implements bridgev2.NetworkConnector. Session establishment is
// done outside the bridge: NewWebClient must be set before logins are
// loaded.
type WCConnector struct {
	Bridge *bridgev2.Bridge
	Config WCConfig

	NewWebClient WebClientFactory
}

var _ bridgev2.NetworkConnector = (*WCConnector)(nil)

type UserLoginMetadata struct {
	SelfID string `json:"self_id,omitempty"`
}

func (wc *WCConnector) Init(bridge *bridgev2.Bridge) {
	wc.Bridge = bridge
}

func (wc *WCConnector) Start(_ context.Context) error {
	return nil
}

func (wc *WCConnector) GetName() bridgev2.BridgeName {
	return bridgev2.BridgeName{
		DisplayName:          "WeChat",
		NetworkURL:           "https://www.wechat.com",
		NetworkID:            "wechat",
		BeeperBridgeType:     "wechat",
		DefaultPort:          29339,
		DefaultCommandPrefix: "!wc",
	}
}

func (wc *WCConnector) GetCapabilities() *bridgev2.NetworkGeneralCapabilities {
	return &bridgev2.NetworkGeneralCapabilities{}
}

func (wc *WCConnector) GetBridgeInfoVersion() (info, capabilities int) {
	return 1, 1
}

func (wc *WCConnector) GetDBMetaTypes() database.MetaTypes {
	return database.MetaTypes{
		UserLogin: func() any {
			return &UserLoginMetadata{}
		},
	}
}

func (wc *WCConnector) GetLoginFlows() []bridgev2.LoginFlow {
	return nil
}

func (wc *WCConnector) CreateLogin(_ context.Context, _ *bridgev2.User, _ string) (bridgev2.LoginProcess, error) {
	return nil, ErrLoginNotSupported
}

func (wc *WCConnector) LoadUserLogin(_ context.Context, login *bridgev2.UserLogin) error {
	login.Client = newWCClient(wc, login)
	return nil
}
