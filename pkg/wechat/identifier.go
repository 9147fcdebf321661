package wechat

import "strings"

const (
	roomIDPrefix = "@@"
	roomIDSuffix = "@chatroom"
)

// IsRoomID reports whether id names a room. Web protocol rooms use the "@@"
// session prefix, while persistent room ids end in "@chatroom".
func IsRoomID(id string) bool {
	if id == "" {
		return false
	}
	return strings.HasPrefix(id, roomIDPrefix) || strings.HasSuffix(id, roomIDSuffix)
}

// IsContactID is the negation of IsRoomID.
func IsContactID(id string) bool {
	return !IsRoomID(id)
}
