// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package auth computes the digests exchanged during the forward protocol
// handshake. Both sides derive the same digests from the shared key and the
// random material carried in the HELO and PING commands, and compare them in
// constant time.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"io"
)

// SaltLength is the size of the nonces and salts exchanged in the handshake.
const SaltLength = 16

// NewNonce returns a fresh random nonce.
func NewNonce() ([]byte, error) {
	b := make([]byte, SaltLength)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	return NewNonce()
}

func hexDigest(parts ...[]byte) string {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PingDigest is the shared key digest the client places in its PING:
// hex(SHA512(salt || hostname || nonce || sharedKey)).
func PingDigest(salt []byte, hostname string, nonce []byte, sharedKey string) string {
	return hexDigest(salt, []byte(hostname), nonce, []byte(sharedKey))
}

// PongDigest is the shared key digest the server places in its PONG:
// hex(SHA512(nonce || serverHostname || salt || sharedKey)), where salt is
// the one received in the PING.
func PongDigest(nonce []byte, serverHostname string, salt []byte, sharedKey string) string {
	return hexDigest(nonce, []byte(serverHostname), salt, []byte(sharedKey))
}

// PasswordDigest is the user credential digest carried in the PING:
// hex(SHA512(authSalt || username || password)).
func PasswordDigest(authSalt []byte, username, password string) string {
	return hexDigest(authSalt, []byte(username), []byte(password))
}

// Verify compares two hex digests in constant time.
func Verify(expected, received string) bool {
	return hmac.Equal([]byte(expected), []byte(received))
}
