package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the push message as delivered by the external messaging service.
type Payload struct {
	Notification *PayloadNotification `json:"notification,omitempty"`
	Data         map[string]any       `json:"data,omitempty"`
}

// PayloadNotification is the display part of a push message.
type PayloadNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Image string `json:"image,omitempty"`
}

// DecodePayload parses a raw push message.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode push payload: %w", err)
	}
	return p, nil
}

// Encode serializes the payload in its wire form.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Title returns the display title or "".
func (p Payload) Title() string {
	if p.Notification == nil {
		return ""
	}
	return p.Notification.Title
}

// Body returns the display body or "".
func (p Payload) Body() string {
	if p.Notification == nil {
		return ""
	}
	return p.Notification.Body
}

// Image returns the display image URL or "".
func (p Payload) Image() string {
	if p.Notification == nil {
		return ""
	}
	return p.Notification.Image
}

// FromPayload builds an unread record for a message that arrived at the given
// time. Missing titles fall back to DefaultTitle.
func FromPayload(p Payload, arrived time.Time) Record {
	title := p.Title()
	if title == "" {
		title = DefaultTitle
	}
	r := Record{
		ID:        IDAt(arrived),
		Title:     title,
		Body:      p.Body(),
		Image:     p.Image(),
		Timestamp: arrived,
		Data:      p.Data,
	}
	return r.Clone()
}
