package wechat

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ExtensionForMIME returns the file extension (without the leading dot) for
// a MIME type, or "" if the type is unknown.
func ExtensionForMIME(mimeType string) string {
	mt := mimetype.Lookup(mimeType)
	if mt == nil {
		return ""
	}
	return strings.TrimPrefix(mt.Extension(), ".")
}

var mediaMIMETypes = map[MsgType]string{
	MsgTypeImage:      "image/jpeg",
	MsgTypeEmoticon:   "image/gif",
	MsgTypeVoice:      "audio/mpeg",
	MsgTypeVideo:      "video/mp4",
	MsgTypeMicroVideo: "video/mp4",
}

// MediaMIMEType returns the MIME type media of the given wire type is
// downloaded as, or "" for non-media types.
func MediaMIMEType(t MsgType) string {
	return mediaMIMETypes[t]
}

// DefaultMediaFilename returns the filename a media message is saved under
// when the transport did not provide one.
func DefaultMediaFilename(msgID string, t MsgType) string {
	ext := ExtensionForMIME(MediaMIMEType(t))
	if ext == "" {
		return ""
	}
	return msgID + "." + ext
}
