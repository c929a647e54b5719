package session

import (
	"context"
	"errors"
	"time"

	"whatsapp-gateway/types"
)

var (
	// ErrConflict is returned when an account already has a session that has
	// not been destroyed.
	ErrConflict = errors.New("session already exists")
	// ErrNotFound is returned for operations on an account without a session.
	ErrNotFound = errors.New("session not found")
	// ErrNotRegistered is returned by Conn.ResolveRecipient when the number
	// has no account on the network.
	ErrNotRegistered = errors.New("recipient not registered")
	// ErrNotConnected is returned when a handle has no live connection yet.
	ErrNotConnected = errors.New("session not connected")
)

// Credentials is the authentication material of one account. Its contents
// are owned by the protocol adapter.
type Credentials interface {
	// Registered reports whether the credentials carry a paired identity.
	Registered() bool
}

// CredentialStore persists Credentials per account. Load returns fresh,
// unregistered credentials for unknown accounts.
type CredentialStore interface {
	Load(ctx context.Context, accountID string) (Credentials, error)
	Save(ctx context.Context, accountID string, creds Credentials) error
	Delete(ctx context.Context, accountID string) error
}

// ProtocolVersion is the client version announced to the network.
type ProtocolVersion [3]uint32

// Connector opens protocol connections.
type Connector interface {
	LatestVersion(ctx context.Context) (ProtocolVersion, error)
	// Open prepares a connection for accountID without connecting it.
	Open(ctx context.Context, accountID string, creds Credentials, version ProtocolVersion) (Conn, error)
}

type Presence int

const (
	PresenceAvailable Presence = iota
	PresenceComposing
	PresencePaused
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// OutgoingMedia is a decoded attachment ready for upload.
type OutgoingMedia struct {
	Kind      MediaKind
	Data      []byte
	Mimetype  string
	Filename  string
	Caption   string
	VoiceNote bool
}

// Conn is one live protocol connection. Addresses are canonical network
// addresses (user@server) unless stated otherwise.
type Conn interface {
	// Events delivers protocol events in order. Nothing is delivered after
	// Close returns.
	Events() <-chan Event
	Connect(ctx context.Context) error
	Close()
	Logout(ctx context.Context) error

	// Self returns the phone number of the paired account.
	Self() (string, bool)
	// ResolveRecipient maps a phone number or address to the canonical
	// address, or ErrNotRegistered.
	ResolveRecipient(ctx context.Context, to string) (string, error)

	SendPresence(ctx context.Context, to string, p Presence) error
	SendText(ctx context.Context, to, text string, mentions []string) (string, error)
	SendMedia(ctx context.Context, to string, media OutgoingMedia) (string, error)
	MarkChatRead(ctx context.Context, chat string) error

	GroupParticipants(ctx context.Context, group string) ([]string, error)
	ProfilePictureURL(ctx context.Context) (string, error)
}

// Event is a protocol event delivered on Conn.Events. The set of variants is
// closed; consumers switch over all of them.
type Event interface {
	event()
}

type LoadingEvent struct {
	Percent int
	Message string
}

type QREvent struct {
	Code string
}

// AuthenticatedEvent carries rotated credentials after pairing.
type AuthenticatedEvent struct {
	Address string
	Creds   Credentials
}

type AuthFailureEvent struct {
	Reason string
}

type ReadyEvent struct{}

type MessageEvent struct {
	ID        string
	From      string
	Chat      string
	Timestamp time.Time
	Body      string
	Type      types.MessageType
	ContextID string
	FromMe    bool
	IsGroup   bool
	Mimetype  string
	Filename  string
	// Download fetches the attachment; nil for text messages.
	Download func(ctx context.Context) ([]byte, error)
}

type AckStatus int

const (
	AckUnknown   AckStatus = -1
	AckPending   AckStatus = 1
	AckDelivered AckStatus = 2
	AckRead      AckStatus = 3
)

type AckEvent struct {
	IDs       []string
	From      string
	Timestamp time.Time
	Status    AckStatus
}

type StateEvent struct {
	State string
}

type DisconnectReason int

const (
	ReasonTransient DisconnectReason = iota
	ReasonLoggedOut
	ReasonForbidden
	ReasonQRExhausted
)

// Terminal reports whether the reason forbids reconnecting.
func (r DisconnectReason) Terminal() bool {
	return r != ReasonTransient
}

func (r DisconnectReason) Message() string {
	switch r {
	case ReasonLoggedOut:
		return "Usuário fez logout"
	case ReasonForbidden:
		return "Conta proibida pelo WhatsApp"
	case ReasonQRExhausted:
		return "Tentativas de leitura do QR Code esgotadas"
	default:
		return "Conexão perdida"
	}
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonQRExhausted:
		return "qr_exhausted"
	default:
		return "transient"
	}
}

type DisconnectedEvent struct {
	Reason DisconnectReason
	Cause  string
}

func (LoadingEvent) event()       {}
func (QREvent) event()            {}
func (AuthenticatedEvent) event() {}
func (AuthFailureEvent) event()   {}
func (ReadyEvent) event()         {}
func (MessageEvent) event()       {}
func (AckEvent) event()           {}
func (StateEvent) event()         {}
func (DisconnectedEvent) event()  {}
