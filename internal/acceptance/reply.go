package acceptance

import (
	"strings"
	"unicode"

	"github.com/imrishuroy/go-booking-dispatch/internal/dispatch"
)

type ReplyKind string

const (
	ReplyAccept  ReplyKind = "accept"
	ReplyDecline ReplyKind = "decline"
	ReplyUnknown ReplyKind = "unknown"
)

// Reply is an interpreted inbound message.
type Reply struct {
	Kind      ReplyKind
	Code      string
	BookingID string
	// Loose marks a code read from free text after an accept or decline word. It may be an
	// ordinary word that happens to fit the code alphabet, so an unknown loose code falls
	// back to the provider's open offer.
	Loose bool
}

var (
	acceptWords = map[string]bool{
		"ja": true, "yes": true, "ok": true, "oke": true, "akkoord": true, "accepteer": true, "accept": true,
		"graag": true, "prima": true, "zeker": true, "top": true, "goed": true, "super": true, "doe": true,
	}
	declineWords = map[string]bool{"nee": true, "no": true, "weiger": true, "decline": true}
)

// bookingIDLength is the length of a ULID booking id.
const bookingIDLength = 26

// ParseReply interprets a structured button payload ("accept:<code>") or free text ("JA K7Q2M").
// The payload wins when both are present.
func ParseReply(text, payload string) Reply {
	if payload = strings.TrimSpace(payload); payload != "" {
		action, ref, ok := strings.Cut(payload, ":")
		if ok {
			r := Reply{Kind: kindOf(strings.ToLower(action))}
			if r.Kind != ReplyUnknown {
				setRef(&r, strings.TrimSpace(ref))
				return r
			}
		}
	}

	fields := strings.FieldsFunc(text, func(c rune) bool {
		return unicode.IsSpace(c) || c == ',' || c == '.' || c == '!' || c == ':'
	})
	if len(fields) == 0 {
		return Reply{Kind: ReplyUnknown}
	}
	r := Reply{Kind: kindOf(strings.ToLower(fields[0]))}
	if r.Kind == ReplyUnknown {
		// a bare code is read as an accept
		if dispatch.IsAcceptCode(strings.ToUpper(fields[0])) && len(fields) == 1 {
			return Reply{Kind: ReplyAccept, Code: strings.ToUpper(fields[0])}
		}
		return r
	}
	for _, f := range fields[1:] {
		if kindOf(strings.ToLower(f)) != ReplyUnknown {
			continue
		}
		setRef(&r, f)
		r.Loose = r.Code != ""
		break
	}
	return r
}

func kindOf(word string) ReplyKind {
	switch {
	case acceptWords[word]:
		return ReplyAccept
	case declineWords[word]:
		return ReplyDecline
	}
	return ReplyUnknown
}

func setRef(r *Reply, ref string) {
	up := strings.ToUpper(ref)
	switch {
	case len(up) == bookingIDLength:
		r.BookingID = up
	case dispatch.IsAcceptCode(up):
		r.Code = up
	}
}
