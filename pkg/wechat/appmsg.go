// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
)

// AppMessageType is the <type> of an application card.
type AppMessageType int

const (
	AppMessageText                  AppMessageType = 1
	AppMessageImg                   AppMessageType = 2
	AppMessageAudio                 AppMessageType = 3
	AppMessageVideo                 AppMessageType = 4
	AppMessageURL                   AppMessageType = 5
	AppMessageAttach                AppMessageType = 6
	AppMessageOpen                  AppMessageType = 7
	AppMessageEmoji                 AppMessageType = 8
	AppMessageVoiceRemind           AppMessageType = 9
	AppMessageScanGood              AppMessageType = 10
	AppMessageGood                  AppMessageType = 13
	AppMessageEmotion               AppMessageType = 15
	AppMessageCardTicket            AppMessageType = 16
	AppMessageRealtimeShareLocation AppMessageType = 17
	AppMessageChatHistory           AppMessageType = 19
	AppMessageMiniProgram           AppMessageType = 33
	AppMessageMiniProgramApp        AppMessageType = 36
	AppMessageChannels              AppMessageType = 51
	AppMessageGroupNote             AppMessageType = 53
	AppMessageReferMsg              AppMessageType = 57
	AppMessageTransfers             AppMessageType = 2000
	AppMessageRedEnvelopes          AppMessageType = 2001
	AppMessageReaderType            AppMessageType = 100001
)

// ErrNotAppMessage is returned when content has no <msg><appmsg> card.
var ErrNotAppMessage = errors.New("content is not an app message")

// AppMessage is the parsed <appmsg> element of an application card.
type AppMessage struct {
	Type              AppMessageType
	Title             string
	Des               string
	URL               string
	ThumbURL          string
	SourceDisplayName string
	MD5               string
	FromUserName      string

	AppAttach *AppAttach
	ReferMsg  *ReferMsg
	WeAppInfo *WeAppInfo
}

type AppAttach struct {
	TotalLen       int64  `xml:"totallen"`
	AttachID       string `xml:"attachid"`
	FileExt        string `xml:"fileext"`
	CDNThumbURL    string `xml:"cdnthumburl"`
	CDNThumbAESKey string `xml:"cdnthumbaeskey"`
	AESKey         string `xml:"aeskey"`
}

// ReferMsg is the quoted message inside a reply card.
type ReferMsg struct {
	Type        string `xml:"type"`
	SvrID       string `xml:"svrid"`
	FromUser    string `xml:"fromusr"`
	ChatUser    string `xml:"chatusr"`
	DisplayName string `xml:"displayname"`
	Content     string `xml:"content"`
}

// MsgType returns the wire type of the quoted message, or 0 if it is not a
// number.
func (r *ReferMsg) MsgType() MsgType {
	n, err := strconv.Atoi(strings.TrimSpace(r.Type))
	if err != nil {
		return 0
	}
	return MsgType(n)
}

type WeAppInfo struct {
	UserName     string `xml:"username"`
	AppID        string `xml:"appid"`
	PagePath     string `xml:"pagepath"`
	WeAppIconURL string `xml:"weappiconurl"`
	ShareID      string `xml:"shareId"`
}

type appMsgXML struct {
	XMLName      xml.Name `xml:"msg"`
	FromUserName string   `xml:"fromusername"`
	AppMsg       *struct {
		Title             string     `xml:"title"`
		Des               string     `xml:"des"`
		Type              string     `xml:"type"`
		URL               string     `xml:"url"`
		ThumbURL          string     `xml:"thumburl"`
		SourceDisplayName string     `xml:"sourcedisplayname"`
		MD5               string     `xml:"md5"`
		AppAttach         *AppAttach `xml:"appattach"`
		ReferMsg          *ReferMsg  `xml:"refermsg"`
		WeAppInfo         *WeAppInfo `xml:"weappinfo"`
	} `xml:"appmsg"`
}

// ParseAppMessage extracts the application card from message content. The
// content may be HTML-escaped, use <br/> line breaks, and carry a
// "<talker id>:\n" room prefix before the XML document.
func ParseAppMessage(content string) (*AppMessage, error) {
	doc := ExtractXML(content, "<msg")
	if doc == "" {
		return nil, ErrNotAppMessage
	}
	var parsed appMsgXML
	if err := unmarshalLenient(doc, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse app message: %w", err)
	}
	if parsed.AppMsg == nil {
		return nil, ErrNotAppMessage
	}
	am := parsed.AppMsg
	typ, err := strconv.Atoi(strings.TrimSpace(am.Type))
	if err != nil {
		return nil, fmt.Errorf("invalid app message type %q: %w", am.Type, err)
	}
	return &AppMessage{
		Type:              AppMessageType(typ),
		Title:             am.Title,
		Des:               am.Des,
		URL:               am.URL,
		ThumbURL:          am.ThumbURL,
		SourceDisplayName: am.SourceDisplayName,
		MD5:               am.MD5,
		FromUserName:      parsed.FromUserName,
		AppAttach:         am.AppAttach,
		ReferMsg:          am.ReferMsg,
		WeAppInfo:         am.WeAppInfo,
	}, nil
}

// MiniProgram is the mini program payload carried by an app card.
type MiniProgram struct {
	AppID       string `json:"appid"`
	Description string `json:"description"`
	IconURL     string `json:"icon_url"`
	PagePath    string `json:"page_path"`
	ShareID     string `json:"share_id"`
	ThumbKey    string `json:"thumb_key"`
	ThumbURL    string `json:"thumb_url"`
	Title       string `json:"title"`
	UserName    string `json:"username"`
}

// MiniProgram returns the mini program details of the card, or nil if the
// card has no <weappinfo>.
func (am *AppMessage) MiniProgram() *MiniProgram {
	if am.WeAppInfo == nil {
		return nil
	}
	mp := &MiniProgram{
		AppID:       am.WeAppInfo.AppID,
		Description: am.SourceDisplayName,
		IconURL:     am.WeAppInfo.WeAppIconURL,
		PagePath:    am.WeAppInfo.PagePath,
		ShareID:     am.WeAppInfo.ShareID,
		Title:       am.Title,
		UserName:    am.WeAppInfo.UserName,
	}
	if am.AppAttach != nil {
		mp.ThumbKey = am.AppAttach.CDNThumbAESKey
		mp.ThumbURL = am.AppAttach.CDNThumbURL
	}
	return mp
}

// URLLink is a shared link carried by an app card.
type URLLink struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// URLLink returns the link details of the card.
func (am *AppMessage) URLLink() *URLLink {
	return &URLLink{
		Title:        am.Title,
		Description:  am.Des,
		URL:          am.URL,
		ThumbnailURL: am.ThumbURL,
	}
}

// ExtractXML returns the substring of content starting at the first
// occurrence of root, or "" if root does not occur. Content that only
// contains root in HTML-escaped form is unescaped first.
func ExtractXML(content, root string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, root); idx != -1 {
		return content[idx:]
	}
	if !strings.Contains(content, "&lt;") {
		return ""
	}
	content = strings.ReplaceAll(html.UnescapeString(content), "<br/>", "\n")
	idx := strings.Index(content, root)
	if idx == -1 {
		return ""
	}
	return content[idx:]
}

func unmarshalLenient(doc string, v any) error {
	dec := xml.NewDecoder(strings.NewReader(doc))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	return dec.Decode(v)
}
