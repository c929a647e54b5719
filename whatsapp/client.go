package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"

	"whatsapp-gateway/session"
)

// Client is a session.Conn backed by one whatsmeow client.
type Client struct {
	accountID string
	api       waClient
	device    *store.Device
	cfg       Config
	log       zerolog.Logger

	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
	handlerID uint32
}

var _ session.Conn = (*Client)(nil)

func newClient(accountID string, api waClient, device *store.Device, cfg Config, log zerolog.Logger) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		accountID: accountID,
		api:       api,
		device:    device,
		cfg:       cfg,
		log:       log.With().Str("conta_id", accountID).Logger(),
		events:    make(chan session.Event, cfg.EventBuffer),
		done:      make(chan struct{}),
	}
	c.handlerID = api.AddEventHandler(c.handle)
	return c
}

func (c *Client) Events() <-chan session.Event {
	return c.events
}

func (c *Client) handle(raw any) {
	for _, ev := range translate(raw, c.device, c.api.Download) {
		c.emit(ev)
	}
}

func (c *Client) emit(ev session.Event) {
	if c.closed() {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// Connect dials the network. Unpaired devices get a QR channel first; its
// codes are delivered as QREvent.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed() {
		return fmt.Errorf("connect: %w", session.ErrNotConnected)
	}
	if c.device == nil || c.device.ID == nil {
		qrs, err := c.api.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("get qr channel: %w", err)
		}
		go c.forwardQR(qrs)
	}
	if err := c.api.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	// Close ran while dialing.
	if c.closed() {
		c.api.Disconnect()
		return fmt.Errorf("connect: %w", session.ErrNotConnected)
	}
	return nil
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Client) forwardQR(qrs <-chan whatsmeow.QRChannelItem) {
	for item := range qrs {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			if c.cfg.QRWriter != nil {
				if err := PrintQR(c.cfg.QRWriter, c.accountID, item.Code); err != nil {
					c.log.Warn().Err(err).Msg("Failed to render QR code")
				}
			}
			c.emit(session.QREvent{Code: item.Code})
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.DisconnectedEvent{Reason: session.ReasonQRExhausted, Cause: "qr timeout"})
		case whatsmeow.QRChannelSuccess.Event:
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(session.AuthFailureEvent{Reason: reason})
		}
	}
}

// Close detaches from the whatsmeow client and disconnects it. It is safe
// to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.api.RemoveEventHandler(c.handlerID)
		c.api.Disconnect()
	})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.api.Logout(ctx)
}

func (c *Client) Self() (string, bool) {
	if c.device == nil || c.device.ID == nil {
		return "", false
	}
	return c.device.ID.User, true
}

func (c *Client) ResolveRecipient(ctx context.Context, to string) (string, error) {
	jid, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	if jid.Server != types.DefaultUserServer {
		return jid.String(), nil
	}
	resp, err := c.api.IsOnWhatsApp(ctx, []string{"+" + jid.User})
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", jid.User, err)
	}
	if len(resp) == 0 || !resp[0].IsIn {
		return "", session.ErrNotRegistered
	}
	return resp[0].JID.String(), nil
}

func (c *Client) SendPresence(ctx context.Context, to string, p session.Presence) error {
	if p == session.PresenceAvailable {
		return c.api.SendPresence(ctx, types.PresenceAvailable)
	}
	jid, err := parseAddress(to)
	if err != nil {
		return err
	}
	if p == session.PresenceComposing {
		return c.api.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	}
	return c.api.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
}

func (c *Client) SendText(ctx context.Context, to, text string, mentions []string) (string, error) {
	jid, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	resp, err := c.api.SendMessage(ctx, jid, textMessage(text, mentions))
	if err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) SendMedia(ctx context.Context, to string, media session.OutgoingMedia) (string, error) {
	jid, err := parseAddress(to)
	if err != nil {
		return "", err
	}
	uploaded, err := c.api.Upload(ctx, media.Data, uploadType(media.Kind))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", media.Kind, err)
	}
	resp, err := c.api.SendMessage(ctx, jid, mediaMessage(media, uploaded))
	if err != nil {
		return "", fmt.Errorf("send %s: %w", media.Kind, err)
	}
	return resp.ID, nil
}

func (c *Client) MarkChatRead(ctx context.Context, chat string) error {
	jid, err := parseAddress(chat)
	if err != nil {
		return err
	}
	return c.api.SendAppState(ctx, appstate.BuildMarkChatAsRead(jid, true, time.Time{}, nil))
}

func (c *Client) GroupParticipants(ctx context.Context, group string) ([]string, error) {
	jid, err := parseAddress(group)
	if err != nil {
		return nil, err
	}
	info, err := c.api.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("group info: %w", err)
	}
	out := make([]string, 0, len(info.Participants))
	for _, p := range info.Participants {
		out = append(out, p.JID.String())
	}
	return out, nil
}

// ProfilePictureURL returns an empty URL when the account has no picture.
func (c *Client) ProfilePictureURL(ctx context.Context) (string, error) {
	if c.device == nil || c.device.ID == nil {
		return "", session.ErrNotConnected
	}
	info, err := c.api.GetProfilePictureInfo(ctx, c.device.ID.ToNonAD(), &whatsmeow.GetProfilePictureParams{})
	if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}
