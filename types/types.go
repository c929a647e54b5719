package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of event forwarded to the webhook. The numeric
// values are part of the wire contract with the account backend.
type EventType int

const (
	EventLoadingScreen EventType = iota
	EventQR
	EventAuthenticated
	EventAuthFailure
	EventReady
	EventMessage
	EventMessageAck
	EventChangeState
	EventDisconnected
)

var eventTypeNames = [...]string{
	"LOADING_SCREEN",
	"QR",
	"AUTHENTICATED",
	"AUTH_FAILURE",
	"READY",
	"MESSAGE",
	"MESSAGE_ACK",
	"CHANGE_STATE",
	"DISCONNECTED",
}

func (t EventType) Valid() bool {
	return t >= EventLoadingScreen && t <= EventDisconnected
}

func (t EventType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventTypeNames[t]
}

// NormalizedEvent is a protocol event reduced to the shape the backend expects.
// It marshals flat: {"conta_id": ..., "eventType": N, ...payload}.
type NormalizedEvent struct {
	AccountID string
	Type      EventType
	Payload   map[string]any
}

func NewEvent(accountID string, t EventType, payload map[string]any) NormalizedEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return NormalizedEvent{AccountID: accountID, Type: t, Payload: payload}
}

func (e NormalizedEvent) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["conta_id"] = e.AccountID
	out["eventType"] = int(e.Type)
	return json.Marshal(out)
}

// MessageType is the kind of content carried by an outbound or inbound message.
type MessageType string

const (
	TextMessage     MessageType = "text"
	MediaMessage    MessageType = "media"
	ImageMessage    MessageType = "image"
	VideoMessage    MessageType = "video"
	AudioMessage    MessageType = "audio"
	DocumentMessage MessageType = "document"
	StickerMessage  MessageType = "sticker"
	StatusMessage   MessageType = "status"
)

// Media is an attachment as exchanged over HTTP: base64 data plus metadata.
type Media struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// OutboundMessage is a request to send one message from an account.
type OutboundMessage struct {
	AccountID string      `json:"conta_id"`
	To        string      `json:"to"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body,omitempty"`
	Media     *Media      `json:"media,omitempty"`
}

// UnmarshalJSON accepts conta_id and to as JSON strings or numbers.
func (m *OutboundMessage) UnmarshalJSON(data []byte) error {
	type plain OutboundMessage
	var raw struct {
		plain
		AccountID ID `json:"conta_id"`
		To        ID `json:"to"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = OutboundMessage(raw.plain)
	m.AccountID = string(raw.AccountID)
	m.To = string(raw.To)
	return nil
}

// ID is an identifier that the backend may send either as a JSON string or
// as a number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Result is the {cod, msg} envelope returned by every gateway operation.
type Result struct {
	Code    int    `json:"cod"`
	Message string `json:"msg"`
}

func OK(msg string) Result { return Result{Code: 0, Message: msg} }

func Fail(msg string) Result { return Result{Code: 1, Message: msg} }

// AccountStatus is one row of the /ping listing.
type AccountStatus struct {
	AccountID string `json:"conta_id"`
	Ready     bool   `json:"pronto"`
}

// Timestamp renders a time the way webhook payloads carry it (unix seconds).
func Timestamp(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
