package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/PlebeianApp/market-sub007/internal/domain"
	"github.com/PlebeianApp/market-sub007/internal/store"
)

// Wire frames exchanged with a relay. Everything is a JSON array whose first
// element names the frame type:
//
//	client → relay: ["REQ", subID, filter], ["CLOSE", subID], ["EVENT", event]
//	relay → client: ["EVENT", subID, event], ["EOSE", subID], ["OK", eventID, accepted, reason]
const (
	frameReq   = "REQ"
	frameClose = "CLOSE"
	frameEvent = "EVENT"
	frameEOSE  = "EOSE"
	frameOK    = "OK"
)

var errBadFrame = errors.New("relay: bad frame")

// wireEvent is the raw event shape on the wire. Tags travel as loose string
// arrays and are converted to typed tags at this boundary, never later.
type wireEvent struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

func (w wireEvent) toMessage() (domain.Message, error) {
	if w.ID == "" {
		return domain.Message{}, fmt.Errorf("%w: event without id", errBadFrame)
	}
	m := domain.Message{
		ID:        w.ID,
		Author:    w.Pubkey,
		Kind:      domain.MessageKind(w.Kind),
		CreatedAt: w.CreatedAt,
		Content:   w.Content,
		Sig:       w.Sig,
	}
	for _, t := range w.Tags {
		if len(t) == 0 || t[0] == "" {
			// quarantine the malformed tag, keep the message
			continue
		}
		tag := domain.Tag{Key: t[0]}
		if len(t) > 1 {
			tag.Value = t[1]
		}
		if len(t) > 2 {
			tag.Rest = t[2:]
		}
		m.Tags = append(m.Tags, tag)
	}
	return m, nil
}

func fromMessage(m domain.Message) wireEvent {
	w := wireEvent{
		ID:        m.ID,
		Pubkey:    m.Author,
		Kind:      int(m.Kind),
		CreatedAt: m.CreatedAt,
		Content:   m.Content,
		Sig:       m.Sig,
	}
	for _, t := range m.Tags {
		arr := []string{t.Key, t.Value}
		arr = append(arr, t.Rest...)
		w.Tags = append(w.Tags, arr)
	}
	return w
}

// wireFilter is the relay-side filter representation. Tag constraints use
// "#"-prefixed keys.
type wireFilter map[string]any

func fromFilter(f store.Filter) wireFilter {
	w := wireFilter{}
	if len(f.Kinds) > 0 {
		kinds := make([]int, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int(k)
		}
		w["kinds"] = kinds
	}
	if len(f.Authors) > 0 {
		w["authors"] = f.Authors
	}
	for key, vals := range f.Tags {
		w["#"+key] = vals
	}
	if f.Since > 0 {
		w["since"] = f.Since
	}
	if f.Until > 0 {
		w["until"] = f.Until
	}
	if f.Limit > 0 {
		w["limit"] = f.Limit
	}
	return w
}

func encodeReq(subID string, f store.Filter) ([]byte, error) {
	return json.Marshal([]any{frameReq, subID, fromFilter(f)})
}

func encodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{frameClose, subID})
}

func encodeEvent(m domain.Message) ([]byte, error) {
	return json.Marshal([]any{frameEvent, fromMessage(m)})
}

// inboundFrame is one decoded relay-to-client frame.
type inboundFrame struct {
	kind    string
	subID   string
	event   *domain.Message
	eventID string // OK frames
	ok      bool
	reason  string
}

func decodeFrame(data []byte) (inboundFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) == 0 {
		return inboundFrame{}, fmt.Errorf("%w: not a frame array", errBadFrame)
	}
	var kind string
	if err := json.Unmarshal(parts[0], &kind); err != nil {
		return inboundFrame{}, fmt.Errorf("%w: frame type", errBadFrame)
	}
	switch kind {
	case frameEvent:
		if len(parts) < 3 {
			return inboundFrame{}, fmt.Errorf("%w: short EVENT", errBadFrame)
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return inboundFrame{}, fmt.Errorf("%w: EVENT sub id", errBadFrame)
		}
		var we wireEvent
		if err := json.Unmarshal(parts[2], &we); err != nil {
			return inboundFrame{}, fmt.Errorf("%w: EVENT body", errBadFrame)
		}
		m, err := we.toMessage()
		if err != nil {
			return inboundFrame{}, err
		}
		return inboundFrame{kind: kind, subID: subID, event: &m}, nil
	case frameEOSE:
		if len(parts) < 2 {
			return inboundFrame{}, fmt.Errorf("%w: short EOSE", errBadFrame)
		}
		var subID string
		if err := json.Unmarshal(parts[1], &subID); err != nil {
			return inboundFrame{}, fmt.Errorf("%w: EOSE sub id", errBadFrame)
		}
		return inboundFrame{kind: kind, subID: subID}, nil
	case frameOK:
		if len(parts) < 3 {
			return inboundFrame{}, fmt.Errorf("%w: short OK", errBadFrame)
		}
		f := inboundFrame{kind: kind}
		if err := json.Unmarshal(parts[1], &f.eventID); err != nil {
			return inboundFrame{}, fmt.Errorf("%w: OK event id", errBadFrame)
		}
		if err := json.Unmarshal(parts[2], &f.ok); err != nil {
			return inboundFrame{}, fmt.Errorf("%w: OK flag", errBadFrame)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &f.reason)
		}
		return f, nil
	default:
		return inboundFrame{}, fmt.Errorf("%w: unknown type %q", errBadFrame, kind)
	}
}
