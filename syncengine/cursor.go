package syncengine

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// cursorPayload is the decoded form of a sync cursor. Compact CBOR keys: the
// token travels on every request.
type cursorPayload struct {
	DeviceHash []byte `cbor:"1,keyasint"`
	Nonce      []byte `cbor:"2,keyasint"`
	IssuedAt   int64  `cbor:"3,keyasint"`
}

func hashDevice(deviceID string) []byte {
	h := sha256.Sum256([]byte(deviceID))
	return h[:8]
}

// MintCursor generates a fresh opaque sync cursor for a device. Derived from
// a random nonce plus device identity, not a counter, so clients cannot guess
// or replay other devices' cursors.
func MintCursor(deviceID string, issuedAtUnix int64) string {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		panic("syncengine.MintCursor: " + err.Error())
	}
	b, err := cbor.Marshal(cursorPayload{
		DeviceHash: hashDevice(deviceID),
		Nonce:      nonce,
		IssuedAt:   issuedAtUnix,
	})
	if err != nil {
		panic("syncengine.MintCursor: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// CheckCursorDevice verifies that a presented cursor was minted for the given
// device. This is a cheap pre-check against cross-device replay; the
// authoritative check is string equality with the registry's recorded cursor
// inside the sync transaction.
func CheckCursorDevice(cursor, deviceID string) error {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return fmt.Errorf("malformed sync cursor")
	}
	var p cursorPayload
	if err := cbor.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("malformed sync cursor")
	}
	want := hashDevice(deviceID)
	if len(p.DeviceHash) != len(want) {
		return fmt.Errorf("sync cursor does not belong to device")
	}
	for i := range want {
		if p.DeviceHash[i] != want[i] {
			return fmt.Errorf("sync cursor does not belong to device")
		}
	}
	return nil
}
