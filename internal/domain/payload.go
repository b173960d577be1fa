package domain

import (
	"strings"
	"unicode/utf8"
)

// PayloadKind identifies what a message carries.
type PayloadKind string

const (
	PayloadText  PayloadKind = "text"
	PayloadImage PayloadKind = "image"
	PayloadVideo PayloadKind = "video"
	PayloadFile  PayloadKind = "file"
)

// MaxTextRunes caps the length of a text message.
const MaxTextRunes = 5000

// Payload carries either text or exactly one media reference.
type Payload struct {
	Kind PayloadKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	Ref  string      `json:"ref,omitempty"`
}

// TextPayload builds a text payload.
func TextPayload(text string) Payload {
	return Payload{Kind: PayloadText, Text: text}
}

// MediaPayload builds a media payload; contentType decides the kind.
func MediaPayload(contentType, ref string) Payload {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return Payload{Kind: PayloadImage, Ref: ref}
	case strings.HasPrefix(ct, "video/"):
		return Payload{Kind: PayloadVideo, Ref: ref}
	default:
		return Payload{Kind: PayloadFile, Ref: ref}
	}
}

// PayloadFromParts accepts the four mutually exclusive wire fields and
// returns the single payload they describe.
func PayloadFromParts(text, imageRef, videoRef, fileRef string) (Payload, error) {
	var (
		p   Payload
		set int
	)
	if text != "" {
		p, set = TextPayload(text), set+1
	}
	if imageRef != "" {
		p, set = Payload{Kind: PayloadImage, Ref: imageRef}, set+1
	}
	if videoRef != "" {
		p, set = Payload{Kind: PayloadVideo, Ref: videoRef}, set+1
	}
	if fileRef != "" {
		p, set = Payload{Kind: PayloadFile, Ref: fileRef}, set+1
	}
	if set != 1 {
		return Payload{}, ErrInvalidPayload
	}
	return p, p.Validate()
}

// Validate enforces the text-xor-media rule.
func (p Payload) Validate() error {
	switch p.Kind {
	case PayloadText:
		if p.Ref != "" || strings.TrimSpace(p.Text) == "" {
			return ErrInvalidPayload
		}
		if utf8.RuneCountInString(p.Text) > MaxTextRunes {
			return ErrInvalidPayload
		}
	case PayloadImage, PayloadVideo, PayloadFile:
		if p.Text != "" || strings.TrimSpace(p.Ref) == "" {
			return ErrInvalidPayload
		}
	default:
		return ErrInvalidPayload
	}
	return nil
}

// Body returns the stored column value: the text or the reference.
func (p Payload) Body() string {
	if p.Kind == PayloadText {
		return p.Text
	}
	return p.Ref
}

// PayloadFromStorage rebuilds a payload from its stored kind and body.
func PayloadFromStorage(kind, body string) Payload {
	k := PayloadKind(kind)
	if k == PayloadText {
		return Payload{Kind: k, Text: body}
	}
	return Payload{Kind: k, Ref: body}
}

// Preview is the conversation-list text for a payload.
func (p Payload) Preview() string {
	switch p.Kind {
	case PayloadText:
		return p.Text
	case PayloadImage:
		return "Image"
	case PayloadVideo:
		return "Video"
	case PayloadFile:
		return "File"
	}
	return "No content"
}
