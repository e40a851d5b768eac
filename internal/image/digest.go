// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// Engine is a factory for the streaming digest accumulator used by the
// verifier, one accumulator is created per DFU session. Any 256-bit
// hash.Hash constructor qualifies.
type Engine func() hash.Hash

// SHA256 is the default digest engine.
func SHA256() hash.Hash {
	return sha256.New()
}

// HMACSHA256 returns an engine keyed with a device-specific secret, for
// targets that require image authentication rather than bare integrity.
func HMACSHA256(key []byte) Engine {
	return func() hash.Hash {
		return hmac.New(sha256.New, key)
	}
}

// BLAKE2s returns the BLAKE2s-256 engine, keyed when key is non-empty. Its
// lower per-byte cost suits targets where the digest runs on the MCU core
// rather than a hash peripheral.
func BLAKE2s(key []byte) Engine {
	return func() hash.Hash {
		h, err := blake2s.New256(key)

		if err != nil {
			// blake2s only rejects keys longer than 32 bytes
			panic(err)
		}

		return h
	}
}
