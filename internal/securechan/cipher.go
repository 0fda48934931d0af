package securechan

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// Overhead is the number of bytes a sealed frame adds to its plaintext.
const Overhead = chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Cipher seals and opens frames for one direction of a connection.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// additionalData binds the frame to its position in the stream and its length.
func additionalData(seq uint64, frameLen int) []byte {
	var ad [12]byte
	binary.BigEndian.PutUint64(ad[:8], seq)
	binary.BigEndian.PutUint32(ad[8:], uint32(frameLen))
	return ad[:]
}

// Seal encrypts plaintext as frame number seq and returns nonce||ciphertext.
func (c *Cipher) Seal(seq uint64, plaintext []byte) ([]byte, error) {
	frameLen := len(plaintext) + Overhead
	out := make([]byte, chacha20poly1305.NonceSizeX, frameLen)
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return c.aead.Seal(out, out, plaintext, additionalData(seq, frameLen)), nil
}

// Open authenticates and decrypts a frame produced by Seal with the same seq.
// Any failure is a *errors.DecryptionError.
func (c *Cipher) Open(seq uint64, frame []byte) ([]byte, error) {
	if len(frame) < Overhead {
		return nil, errors.NewDecryptionError(seq, errors.New("frame shorter than overhead"))
	}
	nonce, ct := frame[:chacha20poly1305.NonceSizeX], frame[chacha20poly1305.NonceSizeX:]
	pt, err := c.aead.Open(nil, nonce, ct, additionalData(seq, len(frame)))
	if err != nil {
		return nil, errors.NewDecryptionError(seq, err)
	}
	return pt, nil
}
