package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// shortCodeAlphabet leaves out 0/O and 1/I so printed codes survive being
// read back over a counter.
const shortCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

func GenerateTimestampWithPrefix(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, time.Now().UnixNano())
}

func GenerateOpaqueID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func GenerateShortCode(length int) string {
	buff := make([]byte, length)
	_, _ = rand.Read(buff)

	var sb strings.Builder
	for _, b := range buff {
		sb.WriteByte(shortCodeAlphabet[int(b)%len(shortCodeAlphabet)])
	}

	return sb.String()
}

// GenerateQRToken returns an unguessable lookup key for the QR payload.
func GenerateQRToken() string {
	buff := make([]byte, 24)
	_, _ = rand.Read(buff)

	return base64.RawURLEncoding.EncodeToString(buff)
}
