package whatsapp

import (
	"fmt"
	"io"

	qrcode "github.com/skip2/go-qrcode"
)

// PrintQR renders code as a terminal QR block for accountID.
func PrintQR(w io.Writer, accountID, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode qr: %w", err)
	}
	_, err = fmt.Fprintf(w, "\n\x1b[36m╔══════════════════════════════════╗\n║  SCAN QR CODE  conta %-11s ║\n╚══════════════════════════════════╝\n\x1b[0m\n%s\n",
		accountID, qr.ToSmallString(false))
	return err
}
