package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
)

// Credentials wraps a whatsmeow device. An unpaired device has no ID.
type Credentials struct {
	Device *store.Device
}

func (c *Credentials) Registered() bool {
	return c != nil && c.Device != nil && c.Device.ID != nil
}

// parseAddress accepts a full JID or a bare phone number.
func parseAddress(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.EmptyJID, fmt.Errorf("empty address")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	return types.NewJID(digits(to), types.DefaultUserServer), nil
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
