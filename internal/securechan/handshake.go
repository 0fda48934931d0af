package securechan

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

const (
	nonceSize  = 32
	proofSize  = sha256.Size
	protoMagic = "TMSH"
	protoVer   = byte(1)
)

// Labels keep the two proofs and two session keys distinct.
var (
	labelServerProof = []byte("taskmesh server proof")
	labelClientProof = []byte("taskmesh client proof")
	labelClientSend  = []byte("taskmesh client->server")
	labelServerSend  = []byte("taskmesh server->client")
)

type sessionKeys struct {
	send, recv *Cipher
}

func proof(key Key, label, clientNonce, serverNonce []byte) []byte {
	m := hmac.New(sha256.New, key[:])
	m.Write(label)
	m.Write(clientNonce)
	m.Write(serverNonce)
	return m.Sum(nil)
}

func deriveCipher(key Key, clientNonce, serverNonce, label []byte) (*Cipher, error) {
	salt := make([]byte, 0, 2*nonceSize)
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key[:], salt, label), sub); err != nil {
		return nil, err
	}
	return NewCipher(sub)
}

func deriveKeys(key Key, clientNonce, serverNonce []byte, isClient bool) (sessionKeys, error) {
	c2s, err := deriveCipher(key, clientNonce, serverNonce, labelClientSend)
	if err != nil {
		return sessionKeys{}, err
	}
	s2c, err := deriveCipher(key, clientNonce, serverNonce, labelServerSend)
	if err != nil {
		return sessionKeys{}, err
	}
	if isClient {
		return sessionKeys{send: c2s, recv: s2c}, nil
	}
	return sessionKeys{send: s2c, recv: c2s}, nil
}

func handshakeErr(raw net.Conn, msg string, cause error) error {
	return errors.NewAuthenticationError(msg, errors.Join(errors.ErrHandshake, cause)).
		WithSubject(raw.RemoteAddr().String())
}

// clientHandshake runs the initiating side:
//
//	C -> S: magic, version, client nonce
//	S -> C: server nonce, server proof
//	C -> S: client proof
func clientHandshake(raw net.Conn, key Key, timeout time.Duration) (sessionKeys, error) {
	if timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = raw.SetDeadline(time.Time{}) }()
	}

	hello := make([]byte, 0, len(protoMagic)+1+nonceSize)
	hello = append(hello, protoMagic...)
	hello = append(hello, protoVer)
	clientNonce := make([]byte, nonceSize)
	if _, err := rand.Read(clientNonce); err != nil {
		return sessionKeys{}, err
	}
	hello = append(hello, clientNonce...)
	if _, err := raw.Write(hello); err != nil {
		return sessionKeys{}, handshakeErr(raw, "send hello", err)
	}

	reply := make([]byte, nonceSize+proofSize)
	if _, err := io.ReadFull(raw, reply); err != nil {
		return sessionKeys{}, handshakeErr(raw, "read server proof", err)
	}
	serverNonce, serverProof := reply[:nonceSize], reply[nonceSize:]
	if !hmac.Equal(serverProof, proof(key, labelServerProof, clientNonce, serverNonce)) {
		return sessionKeys{}, handshakeErr(raw, "server proof mismatch", nil)
	}

	if _, err := raw.Write(proof(key, labelClientProof, clientNonce, serverNonce)); err != nil {
		return sessionKeys{}, handshakeErr(raw, "send client proof", err)
	}
	return deriveKeys(key, clientNonce, serverNonce, true)
}

// serverHandshake runs the accepting side.
func serverHandshake(raw net.Conn, key Key, timeout time.Duration) (sessionKeys, error) {
	if timeout > 0 {
		_ = raw.SetDeadline(time.Now().Add(timeout))
		defer func() { _ = raw.SetDeadline(time.Time{}) }()
	}

	hello := make([]byte, len(protoMagic)+1+nonceSize)
	if _, err := io.ReadFull(raw, hello); err != nil {
		return sessionKeys{}, handshakeErr(raw, "read hello", err)
	}
	if string(hello[:len(protoMagic)]) != protoMagic || hello[len(protoMagic)] != protoVer {
		return sessionKeys{}, handshakeErr(raw, "unsupported protocol", nil)
	}
	clientNonce := hello[len(protoMagic)+1:]

	serverNonce := make([]byte, nonceSize)
	if _, err := rand.Read(serverNonce); err != nil {
		return sessionKeys{}, err
	}
	reply := make([]byte, 0, nonceSize+proofSize)
	reply = append(reply, serverNonce...)
	reply = append(reply, proof(key, labelServerProof, clientNonce, serverNonce)...)
	if _, err := raw.Write(reply); err != nil {
		return sessionKeys{}, handshakeErr(raw, "send server proof", err)
	}

	clientProof := make([]byte, proofSize)
	if _, err := io.ReadFull(raw, clientProof); err != nil {
		return sessionKeys{}, handshakeErr(raw, "read client proof", err)
	}
	if !hmac.Equal(clientProof, proof(key, labelClientProof, clientNonce, serverNonce)) {
		return sessionKeys{}, handshakeErr(raw, "client proof mismatch", nil)
	}
	return deriveKeys(key, clientNonce, serverNonce, false)
}
