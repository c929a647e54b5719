package session

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-gateway/types"
)

const (
	commandMention       = "!mencionar"
	commandMentionHidden = "!mencionar_oculto"
)

// bridge drains conn's events for h in order until the connection closes or
// the handle is released.
func (m *Manager) bridge(h *Handle, conn Conn) {
	log := m.logFor(h.AccountID)

	events := conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !m.registry.Current(h) {
				log.Debug().Msgf("Dropping %T from a replaced session", ev)
				continue
			}
			m.safeDispatch(h, conn, ev, log)
		case <-h.Context().Done():
			return
		}
	}
}

// safeDispatch keeps one bad event from stopping the account's bridge.
func (m *Manager) safeDispatch(h *Handle, conn Conn, ev Event, log *zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msgf("Panic while handling %T", ev)
		}
	}()
	m.dispatch(h, conn, ev, log)
}

func (m *Manager) dispatch(h *Handle, conn Conn, ev Event, log *zerolog.Logger) {
	ctx := h.Context()
	id := h.AccountID

	switch e := ev.(type) {
	case LoadingEvent:
		m.emit(ctx, id, types.EventLoadingScreen, map[string]any{
			"percent": e.Percent,
			"message": e.Message,
		})

	case QREvent:
		h.setQR(e.Code)
		m.registry.PublishMetrics()
		if m.onQR != nil {
			m.onQR(id, e.Code)
		}
		m.emit(ctx, id, types.EventQR, map[string]any{"body": e.Code})

	case AuthenticatedEvent:
		m.setState(h, StateAuthenticated)
		if e.Creds != nil {
			if err := m.store.Save(ctx, id, e.Creds); err != nil {
				log.Error().Err(err).Msg("Failed to save credentials")
			}
		}
		log.Info().Str("address", e.Address).Msg("Authenticated")
		m.emit(ctx, id, types.EventAuthenticated, map[string]any{})

	case AuthFailureEvent:
		log.Warn().Str("reason", e.Reason).Msg("Authentication failed")
		m.emit(ctx, id, types.EventAuthFailure, map[string]any{"body": e.Reason})

	case ReadyEvent:
		h.resetBudget()
		m.setState(h, StateReady)
		if h.claimProfileSync() {
			m.syncProfile(ctx, h.AccountID, conn, log)
		}
		log.Info().Msg("Session ready")
		m.emit(ctx, id, types.EventReady, map[string]any{})

	case MessageEvent:
		m.handleMessage(ctx, h, conn, e, log)

	case AckEvent:
		for _, msgID := range e.IDs {
			m.emit(ctx, id, types.EventMessageAck, map[string]any{
				"id":        msgID,
				"from":      e.From,
				"timestamp": types.Timestamp(e.Timestamp),
				"type":      types.StatusMessage,
				"status":    int(e.Status),
			})
		}

	case StateEvent:
		m.emit(ctx, id, types.EventChangeState, map[string]any{"body": e.State})

	case DisconnectedEvent:
		m.handleDisconnect(h, e)

	default:
		log.Warn().Msgf("Unhandled protocol event %T", ev)
	}
}

func (m *Manager) handleMessage(ctx context.Context, h *Handle, conn Conn, e MessageEvent, log *zerolog.Logger) {
	if e.IsGroup {
		switch strings.TrimSpace(e.Body) {
		case commandMention:
			m.mentionAll(ctx, conn, e.Chat, false, log)
			return
		case commandMentionHidden:
			m.mentionAll(ctx, conn, e.Chat, true, log)
			return
		}
	}
	if e.FromMe || e.IsGroup {
		return
	}

	payload := map[string]any{
		"id":        e.ID,
		"from":      e.From,
		"timestamp": types.Timestamp(e.Timestamp),
		"body":      e.Body,
		"type":      e.Type,
	}
	if e.ContextID != "" {
		payload["contextID"] = e.ContextID
	}
	if m.downloadMedia && e.Download != nil {
		dctx, cancel := context.WithTimeout(ctx, time.Minute)
		data, err := e.Download(dctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("message_id", e.ID).Msg("Media download failed, forwarding without payload")
		} else {
			payload["media"] = types.Media{
				Mimetype: e.Mimetype,
				Data:     base64.StdEncoding.EncodeToString(data),
				Filename: e.Filename,
			}
		}
	}
	m.emit(ctx, h.AccountID, types.EventMessage, payload)
}

// mentionAll replies in group with a message mentioning every participant.
// With hidden set the visible text is empty but the mentions still notify.
func (m *Manager) mentionAll(ctx context.Context, conn Conn, group string, hidden bool, log *zerolog.Logger) {
	participants, err := conn.GroupParticipants(ctx, group)
	if err != nil {
		log.Error().Err(err).Str("group", group).Msg("Could not list group participants")
		return
	}

	text := ""
	if !hidden {
		tags := make([]string, 0, len(participants))
		for _, p := range participants {
			tags = append(tags, "@"+userPart(p))
		}
		text = strings.Join(tags, " ")
	}
	if _, err := conn.SendText(ctx, group, text, participants); err != nil {
		log.Error().Err(err).Str("group", group).Msg("Mention broadcast failed")
	}
}

func (m *Manager) syncProfile(ctx context.Context, accountID string, conn Conn, log *zerolog.Logger) {
	if m.accounts == nil {
		return
	}
	phone, _ := conn.Self()
	picture, err := conn.ProfilePictureURL(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("No profile picture")
	}
	err = m.accounts.UpdateAccount(ctx, Profile{
		AccountID:  accountID,
		Phone:      phone,
		PictureURL: picture,
	})
	if err != nil {
		log.Error().Err(err).Msg("Profile sync failed")
	}
}

func userPart(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		address = address[:i]
	}
	if i := strings.IndexByte(address, ':'); i >= 0 {
		address = address[:i]
	}
	return address
}
