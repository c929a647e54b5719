package whatsapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/session"
)

// Connector opens whatsmeow connections for the session manager.
type Connector struct {
	cfg Config
	log zerolog.Logger
}

var _ session.Connector = (*Connector)(nil)

func NewConnector(cfg Config, log zerolog.Logger) *Connector {
	cfg = cfg.withDefaults()
	store.SetOSInfo(cfg.DeviceName, [3]uint32{1, 0, 0})
	return &Connector{cfg: cfg, log: log}
}

// LatestVersion asks the WhatsApp web endpoint for the current client
// version.
func (c *Connector) LatestVersion(ctx context.Context) (session.ProtocolVersion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.VersionTimeout)
	defer cancel()

	v, err := whatsmeow.GetLatestVersion(ctx, nil)
	if err != nil {
		return session.ProtocolVersion{}, fmt.Errorf("fetch latest version: %w", err)
	}
	return session.ProtocolVersion(*v), nil
}

func (c *Connector) Open(_ context.Context, accountID string, creds session.Credentials, version session.ProtocolVersion) (session.Conn, error) {
	wc, ok := creds.(*Credentials)
	if !ok || wc.Device == nil {
		return nil, fmt.Errorf("account %s: unexpected credentials %T", accountID, creds)
	}
	if version != (session.ProtocolVersion{}) {
		store.SetWAVersion(store.WAVersionContainer(version))
	}

	waLogger := c.log.With().Str("conta_id", accountID).Str("module", "whatsmeow").Logger().
		Level(parseLevel(c.cfg.LogLevel))
	wa := whatsmeow.NewClient(wc.Device, waLog.Zerolog(waLogger))
	wa.EnableAutoReconnect = false

	return newClient(accountID, wa, wc.Device, c.cfg, c.log), nil
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.WarnLevel
	}
	return l
}
