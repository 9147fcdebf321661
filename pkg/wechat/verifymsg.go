package wechat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
)

// ErrIncompleteFriendRequest is returned for verify messages that lack one of
// the attributes needed to accept the request later.
var ErrIncompleteFriendRequest = errors.New("friend request is missing required attributes")

// FriendRequest is the <msg .../> element of a verify message.
type FriendRequest struct {
	FromUserName      string `xml:"fromusername,attr"`
	FromNickName      string `xml:"fromnickname,attr"`
	EncryptUserName   string `xml:"encryptusername,attr"`
	Content           string `xml:"content,attr"`
	Scene             string `xml:"scene,attr"`
	Ticket            string `xml:"ticket,attr"`
	SourceNickName    string `xml:"sourcenickname,attr"`
	SourceUserName    string `xml:"sourceusername,attr"`
	ShareCardNickName string `xml:"sharecardnickname,attr"`
	ShareCardUserName string `xml:"sharecardusername,attr"`
}

// SceneCode returns the numeric scene attribute, or 0 when absent.
func (fr *FriendRequest) SceneCode() int {
	n, _ := strconv.Atoi(fr.Scene)
	return n
}

// ParseFriendRequest parses the XML body of a verify message. The requester
// must be an individual contact and the stranger and ticket attributes must
// both be present.
func ParseFriendRequest(content string) (*FriendRequest, error) {
	doc := ExtractXML(content, "<msg")
	if doc == "" {
		return nil, ErrIncompleteFriendRequest
	}
	var parsed struct {
		XMLName xml.Name `xml:"msg"`
		FriendRequest
	}
	if err := unmarshalLenient(doc, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse friend request: %w", err)
	}
	fr := parsed.FriendRequest
	if fr.FromUserName == "" || !IsContactID(fr.FromUserName) || fr.EncryptUserName == "" || fr.Ticket == "" {
		return nil, ErrIncompleteFriendRequest
	}
	return &fr, nil
}
