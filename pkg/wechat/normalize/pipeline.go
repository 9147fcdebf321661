// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package normalize turns a raw message into a MessagePayload by running a
// fixed list of enrichment stages. Each stage receives the state built by
// the previous stages and returns the next state; nothing is shared between
// runs, so normalizing the same raw message twice yields the same payload.
package normalize

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat"
)

// ErrNoConversation is returned for payloads that end up with neither a room
// nor a listener.
var ErrNoConversation = errors.New("message has neither room id nor listener id")

// MemberSearcher resolves display names inside a room. Unknown names yield
// an empty result.
type MemberSearcher interface {
	MemberSearch(ctx context.Context, roomID, name string) []string
}

// Env holds the read-only collaborators stages may use.
type Env struct {
	Directory MemberSearcher
	Log       zerolog.Logger
}

// State is the accumulator threaded through the stages.
type State struct {
	Payload wechat.MessagePayload

	// IsRoom is set by the room stage and tells the direct chat stage to
	// stay out.
	IsRoom bool

	// AppMessage is the parsed app card, set by the app stage for the refer
	// stage.
	AppMessage *wechat.AppMessage
}

type StageFunc func(ctx context.Context, env *Env, raw *wechat.RawMessage, st State) (State, error)

type Stage struct {
	Name string
	Run  StageFunc
}

// DefaultStages returns the stages in the order they must run. Later stages
// read fields written by earlier ones: the app stage needs the coarse type,
// the refer stage needs the parsed card.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "type", Run: TypeStage},
		{Name: "room", Run: RoomStage},
		{Name: "direct", Run: DirectStage},
		{Name: "app", Run: AppStage},
		{Name: "refer", Run: ReferStage},
	}
}

type Pipeline struct {
	stages []Stage
	env    *Env
}

func New(directory MemberSearcher, log zerolog.Logger) *Pipeline {
	return NewWithStages(DefaultStages(), directory, log)
}

func NewWithStages(stages []Stage, directory MemberSearcher, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		stages: append([]Stage(nil), stages...),
		env: &Env{
			Directory: directory,
			Log:       log.With().Str("component", "normalize").Logger(),
		},
	}
}

// InitialState is the state before any stage ran. Text defaults to the raw
// content; the room stage replaces it when it strips a talker prefix.
func InitialState(raw *wechat.RawMessage) State {
	return State{
		Payload: wechat.MessagePayload{
			ID:        raw.MsgID,
			Timestamp: raw.CreateTime,
			Type:      wechat.MessageTypeUnknown,
			Text:      raw.Content,
		},
	}
}

// Run executes all stages and returns the final state without validating it.
func (p *Pipeline) Run(ctx context.Context, raw *wechat.RawMessage) (State, error) {
	if err := raw.Validate(); err != nil {
		return State{}, err
	}
	st := InitialState(raw)
	for _, stage := range p.stages {
		next, err := stage.Run(ctx, p.env, raw, st)
		if err != nil {
			return st, fmt.Errorf("%s stage failed: %w", stage.Name, err)
		}
		// id and timestamp are fixed by the raw message.
		next.Payload.ID = st.Payload.ID
		next.Payload.Timestamp = st.Payload.Timestamp
		st = next
	}
	return st, nil
}

// Normalize builds the payload for raw.
func (p *Pipeline) Normalize(ctx context.Context, raw *wechat.RawMessage) (*wechat.MessagePayload, error) {
	st, err := p.Run(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err = Validate(&st.Payload); err != nil {
		p.env.Log.Warn().Err(err).Str("msg_id", raw.MsgID).
			Str("from", raw.FromUserName).
			Str("to", raw.ToUserName).
			Msg("Normalized message has no conversation")
		return nil, err
	}
	return &st.Payload, nil
}

// Validate checks that exactly one of RoomID and ListenerID is set.
func Validate(payload *wechat.MessagePayload) error {
	hasRoom := payload.RoomID != ""
	hasListener := payload.ListenerID != ""
	switch {
	case !hasRoom && !hasListener:
		return ErrNoConversation
	case hasRoom && hasListener:
		return fmt.Errorf("message has both room id %s and listener id %s", payload.RoomID, payload.ListenerID)
	default:
		return nil
	}
}
