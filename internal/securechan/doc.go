// Package securechan is the encrypted, authenticated transport used between
// the coordinator, its workers and its clients.
//
// Both ends hold the same pre-shared key. A connection starts with a
// challenge/response handshake in which each side proves knowledge of the key
// over fresh nonces; nothing is accepted before both proofs verify. Each
// direction then gets its own XChaCha20-Poly1305 key derived with HKDF from
// the pre-shared key and both nonces.
//
// Every message is one frame on the wire:
//
//	+----------------+----------------+-----------------------------+
//	| length (4, BE) | nonce (24)     | ciphertext + tag (16)       |
//	+----------------+----------------+-----------------------------+
//
// The length and a per-direction sequence number are bound into the AEAD as
// additional data, so a reordered, replayed, truncated or modified frame fails
// to open. A frame that fails to open closes the connection.
package securechan
