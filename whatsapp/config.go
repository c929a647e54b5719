package whatsapp

import (
	"io"
	"time"
)

// Config tunes the connections opened by Connector.
type Config struct {
	// DeviceName is shown in the phone's linked devices list.
	DeviceName string
	// LogLevel is the whatsmeow log level (DEBUG, INFO, WARN, ERROR).
	LogLevel string
	// QRWriter, when set, receives a terminal rendering of every QR code.
	QRWriter io.Writer
	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int
	// VersionTimeout bounds the protocol version lookup.
	VersionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeviceName == "" {
		c.DeviceName = "Desktop"
	}
	if c.LogLevel == "" {
		c.LogLevel = "WARN"
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.VersionTimeout <= 0 {
		c.VersionTimeout = 15 * time.Second
	}
	return c
}
