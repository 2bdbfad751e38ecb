package scan

type ScanRequest struct {
	QRPayload string `json:"qr_payload" validate:"required"`
}
