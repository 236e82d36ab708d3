package pairing

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// qrJSONPayload is the base64-of-JSON canonical QR form.
type qrJSONPayload struct {
	Pin     string `json:"pin"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Nonce   string `json:"nonce"`
	Expires int64  `json:"expires"`
}

// QRData is what either canonical QR form decodes to.
type QRData struct {
	Pin  string
	Host string
	Port int
}

// EncodeQRURL renders the `fv://join?...` canonical form.
func EncodeQRURL(pin, host string, port int) string {
	return fmt.Sprintf("fv://join?pin=%s&host=%s&port=%d", url.QueryEscape(pin), url.QueryEscape(host), port)
}

// EncodeQRJSON renders the base64-of-JSON canonical form, including
// the session nonce (hex) and expiry so a scanning device can show a
// countdown without a network round trip.
func EncodeQRJSON(pin, host string, port int, nonce []byte, expiresUnix int64) string {
	payload := qrJSONPayload{
		Pin:     pin,
		Host:    host,
		Port:    port,
		Nonce:   hex.EncodeToString(nonce),
		Expires: expiresUnix,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Marshaling a struct of plain strings/ints cannot fail.
		panic(fmt.Sprintf("pairing: marshal qr payload: %v", err))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeQR accepts either canonical form and returns the PIN/host/port
// to dial.
func DecodeQR(data string) (QRData, error) {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "fv://") {
		return decodeQRURL(data)
	}
	return decodeQRJSON(data)
}

func decodeQRURL(data string) (QRData, error) {
	u, err := url.Parse(data)
	if err != nil {
		return QRData{}, fmt.Errorf("pairing: parse qr url: %w", err)
	}
	q := u.Query()
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil {
		return QRData{}, fmt.Errorf("pairing: qr url port: %w", err)
	}
	pin := q.Get("pin")
	host := q.Get("host")
	if pin == "" || host == "" {
		return QRData{}, fmt.Errorf("pairing: qr url missing pin or host")
	}
	return QRData{Pin: pin, Host: host, Port: port}, nil
}

func decodeQRJSON(data string) (QRData, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return QRData{}, fmt.Errorf("pairing: base64 decode qr payload: %w", err)
	}
	var payload qrJSONPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return QRData{}, fmt.Errorf("pairing: parse qr json payload: %w", err)
	}
	if payload.Pin == "" || payload.Host == "" {
		return QRData{}, fmt.Errorf("pairing: qr json missing pin or host")
	}
	return QRData{Pin: payload.Pin, Host: payload.Host, Port: payload.Port}, nil
}
