package qrcode

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const PayloadVersion = 1

// Payload is the compact structure encoded on the physical QR. It carries
// everything a disconnected gate needs to run the full decision locally
// against a provisioned tenant verification key.
type Payload struct {
	Version        int    `json:"v"`
	TicketID       string `json:"tid"`
	QRToken        string `json:"qrt"`
	Signature      string `json:"sig"`
	KeyVersion     int    `json:"kv"`
	LotNo          string `json:"lot"`
	Type           string `json:"typ"`
	QuotaOrMinutes int64  `json:"qty"`
	ValidFrom      int64  `json:"vf"`
	ValidTo        int64  `json:"vt"`
}

func Encode(p Payload) string {
	buff, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(buff)
}

func Decode(encoded string) (Payload, error) {
	buff, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, fmt.Errorf("malformed qr payload: %w", err)
	}

	var p Payload
	if err := json.Unmarshal(buff, &p); err != nil {
		return Payload{}, fmt.Errorf("malformed qr payload: %w", err)
	}

	if p.Version != PayloadVersion {
		return Payload{}, fmt.Errorf("unsupported qr payload version %d", p.Version)
	}

	if p.TicketID == "" || p.QRToken == "" || p.Signature == "" {
		return Payload{}, fmt.Errorf("qr payload is missing required fields")
	}

	return p, nil
}
