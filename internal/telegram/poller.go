package telegram

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/autodelete/pkg/types"
)

const entityHashtag = "hashtag"

// Poller long-polls getUpdates and converts each update into an event.
// It is not safe for concurrent use.
type Poller struct {
	client  *Client
	timeout time.Duration
	logger  *log.Logger
	offset  int64
}

// NewPoller returns a poller that waits up to timeout for new updates.
func NewPoller(client *Client, timeout time.Duration, logger *log.Logger) *Poller {
	return &Poller{client: client, timeout: timeout, logger: logger}
}

// Poll fetches the next batch of updates. Every update yields exactly one
// event; updates that are not new messages or fail to decode are returned as
// ignored events.
func (p *Poller) Poll(ctx context.Context) ([]types.Event, error) {
	raw, err := p.client.getUpdates(ctx, getUpdatesParams{
		Offset:         p.offset,
		Timeout:        int(p.timeout / time.Second),
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		return nil, err
	}

	events := make([]types.Event, 0, len(raw))
	for _, r := range raw {
		id, ev, err := decodeUpdate(r)
		if id >= p.offset {
			p.offset = id + 1
		}
		if err != nil {
			p.logger.Warn("ignoring malformed update", "update_id", id, "error", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

type update struct {
	UpdateID int64    `json:"update_id"`
	Message  *message `json:"message"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Date      int64 `json:"date"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text            string   `json:"text"`
	Entities        []entity `json:"entities"`
	Caption         string   `json:"caption"`
	CaptionEntities []entity `json:"caption_entities"`
}

type entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// decodeUpdate returns the update id, which is recovered even when the rest
// of the payload is malformed, and the event it maps to.
func decodeUpdate(raw json.RawMessage) (int64, types.Event, error) {
	var u update
	if err := json.Unmarshal(raw, &u); err != nil {
		var idOnly struct {
			UpdateID int64 `json:"update_id"`
		}
		_ = json.Unmarshal(raw, &idOnly)
		return idOnly.UpdateID, types.Event{Kind: types.EventIgnored}, err
	}
	if u.Message == nil {
		return u.UpdateID, types.Event{Kind: types.EventIgnored}, nil
	}

	m := u.Message
	ev := types.Event{
		Kind:      types.EventMessage,
		OriginID:  m.Chat.ID,
		RecordID:  m.MessageID,
		CreatedAt: m.Date,
	}
	text, entities := m.Text, m.Entities
	if text == "" {
		text, entities = m.Caption, m.CaptionEntities
	}
	ev.Text = text
	for _, e := range entities {
		if e.Type == entityHashtag {
			ev.Markers = append(ev.Markers, types.Marker{Offset: e.Offset, Length: e.Length})
		}
	}
	return u.UpdateID, ev, nil
}
