// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package events

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Family names one semantic phrase pattern. All regexes of a family must
// keep the same capture group order, since extraction is positional.
type Family string

const (
	// No groups are read.
	FamilyFriendshipConfirm Family = "friendship_confirm"
	FamilyFriendshipVerify  Family = "friendship_verify"

	// Title has no groups; description group 2 is the topic.
	FamilyRoomInviteTitle       Family = "room_invite_title"
	FamilyRoomInviteDescription Family = "room_invite_description"

	// Group 1 is the invitee.
	FamilyJoinSelfInviteOther Family = "room_join_self_invite_other"
	FamilyJoinViaSelfQRCode   Family = "room_join_via_self_qrcode"

	// Group 1 is the inviter.
	FamilyJoinOtherInviteSelf Family = "room_join_other_invite_self"

	// Group 1 is the inviter, group 2 the invitee.
	FamilyJoinOtherInviteSelfAndOther Family = "room_join_other_invite_self_and_other"
	FamilyJoinOtherInviteOther        Family = "room_join_other_invite_other"

	// Group 1 is the invitee, group 2 the inviter.
	FamilyJoinViaOtherQRCode Family = "room_join_via_other_qrcode"

	// Group 2 is the other party.
	FamilyLeaveSelfRemoveOther Family = "room_leave_self_remove_other"
	FamilyLeaveOtherRemoveSelf Family = "room_leave_other_remove_self"

	// Group 1 is the changer, group 2 the new topic.
	FamilyTopicSelf  Family = "room_topic_self"
	FamilyTopicOther Family = "room_topic_other"
)

var allFamilies = []Family{
	FamilyFriendshipConfirm,
	FamilyFriendshipVerify,
	FamilyRoomInviteTitle,
	FamilyRoomInviteDescription,
	FamilyJoinSelfInviteOther,
	FamilyJoinViaSelfQRCode,
	FamilyJoinOtherInviteSelf,
	FamilyJoinOtherInviteSelfAndOther,
	FamilyJoinOtherInviteOther,
	FamilyJoinViaOtherQRCode,
	FamilyLeaveSelfRemoveOther,
	FamilyLeaveOtherRemoveSelf,
	FamilyTopicSelf,
	FamilyTopicOther,
}

var defaultPatternSources = map[Family][]string{
	FamilyFriendshipConfirm: {
		`^You have added (.+) as your WeChat contact. Start chatting!$`,
		`^你已添加了(.+)，现在可以开始聊天了。$`,
		`I've accepted your friend request. Now let's chat!$`,
		`^(.+) just added you to his/her contacts list. Send a message to him/her now!$`,
		`^(.+)刚刚把你添加到通讯录，现在可以开始聊天了。$`,
		`^我通过了你的朋友验证请求，现在我们可以开始聊天了$`,
	},
	FamilyFriendshipVerify: {
		`^(.+) has enabled Friend Confirmation`,
		`^(.+)开启了朋友验证，你还不是他（她）朋友。请先发送朋友验证请求，对方验证通过后，才能聊天。`,
	},
	FamilyRoomInviteTitle: {
		`Group Chat Invitation`,
		`邀请你加入群聊`,
	},
	FamilyRoomInviteDescription: {
		`"(.+)" invited you to join the group chat "(.+)"\. Enter to view details\.`,
		`^"(.+)"邀请你加入群聊(.*)，进入可查看详情。`,
	},
	FamilyJoinSelfInviteOther: {
		`^你邀请"(.+)"加入了群聊 {2}`,
		`^You invited (.+) to the group chat`,
	},
	FamilyJoinViaSelfQRCode: {
		`^" ?(.+)"通过扫描你分享的二维码加入群聊`,
		`^" ?(.+)" joined group chat via the QR code you shared`,
	},
	FamilyJoinOtherInviteSelf: {
		`^"([^"]+?)"邀请你加入了群聊，群聊参与人还有：(.+)`,
		`^(.+) invited you to a group chat with (.+)`,
	},
	FamilyJoinOtherInviteSelfAndOther: {
		`^"([^"]+?)"邀请你和"(.+?)"加入了群聊`,
		`^(.+?) invited you and (.+?) to (the|a) group chat`,
	},
	FamilyJoinOtherInviteOther: {
		`^"(.+)"邀请"(.+)"加入了群聊`,
		`^(.+?) invited (.+?) to (the|a) group chat`,
	},
	FamilyJoinViaOtherQRCode: {
		`^" (.+)"通过扫描"(.+)"分享的二维码加入群聊`,
		`^"(.+)" joined the group chat via the QR Code shared by "(.+)"`,
	},
	FamilyLeaveSelfRemoveOther: {
		`^(你)将"(.+)"移出了群聊`,
		`^(You) removed "(.+)" from the group chat`,
	},
	FamilyLeaveOtherRemoveSelf: {
		`^(你)被"([^"]+?)"移出群聊`,
		`^(You) were removed from the group chat by "([^"]+)"`,
	},
	FamilyTopicSelf: {
		`^(你)修改群名为“(.+)”$`,
		`^(You) changed the group name to "(.+)"$`,
	},
	FamilyTopicOther: {
		`^"(.+)"修改群名为“(.+)”$`,
		`^"(.+)" changed the group name to "(.+)"$`,
	},
}

var defaultPatterns = mustCompilePatterns(defaultPatternSources)

// Patterns is an immutable set of compiled phrase patterns.
type Patterns struct {
	families map[Family][]*regexp.Regexp
}

// DefaultPatterns returns the built-in bilingual pattern set.
func DefaultPatterns() *Patterns {
	return defaultPatterns
}

func mustCompilePatterns(sources map[Family][]string) *Patterns {
	p, err := (&Patterns{}).Extend(sources)
	if err != nil {
		panic(err)
	}
	return p
}

// Families lists the known pattern families in matcher order.
func (p *Patterns) Families() []Family {
	return append([]Family(nil), allFamilies...)
}

// Get returns the regexes of a family in match order.
func (p *Patterns) Get(f Family) []*regexp.Regexp {
	if p == nil {
		return defaultPatterns.families[f]
	}
	return p.families[f]
}

// Extend returns a new pattern set with the extra sources appended after the
// existing regexes of each family.
func (p *Patterns) Extend(extra map[Family][]string) (*Patterns, error) {
	out := &Patterns{families: make(map[Family][]*regexp.Regexp, len(allFamilies))}
	for f, list := range p.families {
		out.families[f] = append([]*regexp.Regexp(nil), list...)
	}
	for _, f := range allFamilies {
		for _, src := range extra[f] {
			re, err := regexp.Compile(src)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern in %s: %w", f, err)
			}
			out.families[f] = append(out.families[f], re)
		}
	}
	for f := range extra {
		if !isKnownFamily(f) {
			return nil, fmt.Errorf("unknown pattern family %q", f)
		}
	}
	return out, nil
}

func isKnownFamily(f Family) bool {
	for _, known := range allFamilies {
		if known == f {
			return true
		}
	}
	return false
}

// ParsePatterns reads a YAML document mapping family names to lists of extra
// regexes and appends them to the default set.
func ParsePatterns(data []byte) (*Patterns, error) {
	var extra map[Family][]string
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}
	return DefaultPatterns().Extend(extra)
}

// LoadPatterns reads a pattern file from disk. See ParsePatterns.
func LoadPatterns(path string) (*Patterns, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	return ParsePatterns(data)
}

// matchFirst returns the submatches of the first regex that matches s.
func matchFirst(list []*regexp.Regexp, s string) []string {
	for _, re := range list {
		if m := re.FindStringSubmatch(s); m != nil {
			return m
		}
	}
	return nil
}

// matchFirstOf tries each family in order, first match wins.
func (p *Patterns) matchFirstOf(s string, families ...Family) []string {
	for _, f := range families {
		if m := matchFirst(p.Get(f), s); m != nil {
			return m
		}
	}
	return nil
}
