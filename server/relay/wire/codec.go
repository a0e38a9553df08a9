package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"msg_relay/server/relay/domain"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownEvent   = errors.New("unknown event")
)

var inboundAliases = map[string]Kind{
	"join":              KindJoin,
	"sendMessage":       KindSendMessage,
	"send_message":      KindSendMessage,
	"message:send":      KindSendMessage,
	"markRead":          KindMarkRead,
	"mark_read":         KindMarkRead,
	"markMessageAsRead": KindMarkRead,
	"typing":            KindTyping,
	"ping":              KindPing,
}

type alias struct {
	name string
	when func(payload any) bool
}

// outboundAliases lists, per canonical kind, the extra event names emitted for
// older clients.
var outboundAliases = map[Kind][]alias{
	KindReceiveMessage: {{name: "message"}},
	KindMessageStatus: {{name: "message_delivered", when: func(p any) bool {
		s, ok := p.(MessageStatus)
		return ok && s.Status == domain.MessageStatusDelivered
	}}},
	KindMessagesRead: {{name: "message_read"}},
	KindPresence:     {{name: "online_users"}, {name: "user_status_updated"}},
}

var outboundCanonical = func() map[string]Kind {
	m := map[string]Kind{}
	for _, k := range []Kind{
		KindReceiveMessage, KindMessageStatus, KindMessagesRead, KindUserTyping,
		KindPresence, KindJoined, KindError, KindPong,
	} {
		m[string(k)] = k
	}
	return m
}()

// Inbound is a decoded client frame with its kind already canonical.
type Inbound struct {
	Kind Kind
	Data json.RawMessage
}

// Decode parses a client frame. The event name may be any known alias; a
// legacy "type" field is accepted in place of "event".
func Decode(frame []byte) (Inbound, error) {
	var raw struct {
		Event string          `json:"event"`
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &raw); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	name := strings.TrimSpace(raw.Event)
	if name == "" {
		name = strings.TrimSpace(raw.Type)
	}
	if name == "" {
		return Inbound{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	kind, ok := inboundAliases[name]
	if !ok {
		return Inbound{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return Inbound{Kind: kind, Data: raw.Data}, nil
}

// Bind decodes the frame payload into v. An empty payload leaves v untouched.
func (in Inbound) Bind(v any) error {
	if len(in.Data) == 0 || string(in.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", domain.ErrBadRequest, in.Kind, err)
	}
	return nil
}

// Encode renders payload under the canonical kind followed by every alias that
// applies to it. Each returned slice is one text frame.
func Encode(kind Kind, payload any) ([][]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	names := []string{string(kind)}
	for _, a := range outboundAliases[kind] {
		if a.when == nil || a.when(payload) {
			names = append(names, a.name)
		}
	}
	frames := make([][]byte, 0, len(names))
	for _, name := range names {
		frame, err := json.Marshal(Envelope{Event: name, Data: data})
		if err != nil {
			return nil, fmt.Errorf("encode %s frame: %w", name, err)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// EncodeRequest renders a client-to-server frame under its canonical name.
func EncodeRequest(kind Kind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Event: string(kind), Data: data})
}

// ParseOutbound decodes a server frame for clients. canonical is false for
// alias frames, which duplicate a canonical frame sent just before them.
func ParseOutbound(frame []byte) (kind Kind, data json.RawMessage, canonical bool, err error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", nil, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if k, ok := outboundCanonical[env.Event]; ok {
		return k, env.Data, true, nil
	}
	for k, aliases := range outboundAliases {
		for _, a := range aliases {
			if a.name == env.Event {
				return k, env.Data, false, nil
			}
		}
	}
	return "", nil, false, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
}
