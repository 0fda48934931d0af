package securechan

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// KeySize is the length of a channel key in bytes.
const KeySize = 32

// minKeyMaterial is the shortest encoded key ParseKey accepts.
const minKeyMaterial = 16

// Key is a pre-shared channel key.
type Key [KeySize]byte

// ParseKey decodes a hex or base64 encoded pre-shared key and stretches it to
// KeySize bytes with HKDF-SHA256, so any sufficiently long secret yields a
// uniformly distributed key.
func ParseKey(encoded string) (Key, error) {
	var k Key
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return k, errors.NewValidationError("channel key is empty").WithField("server.psk")
	}

	raw, err := decodeKeyMaterial(encoded)
	if err != nil {
		return k, errors.NewValidationError("channel key must be hex or base64").
			WithField("server.psk").WithCause(err)
	}
	if len(raw) < minKeyMaterial {
		return k, errors.NewValidationError("channel key is too short").
			WithField("server.psk").WithValue(len(raw))
	}

	r := hkdf.New(sha256.New, raw, nil, []byte("taskmesh channel key v1"))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

func decodeKeyMaterial(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	_, err := hex.DecodeString(s)
	return nil, err
}

// GenerateKey returns a new random key, hex encoded.
func GenerateKey() (string, error) {
	var b [KeySize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
