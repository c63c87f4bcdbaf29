package handler

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

const qrSize = 256

// qrDataURL renders payload as a PNG QR code data URL.
func qrDataURL(payload string) (string, error) {
	png, err := qrcode.Encode(payload, qrcode.Medium, qrSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
