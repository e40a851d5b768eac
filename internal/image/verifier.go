// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"crypto/subtle"
	"hash"
)

// Verifier streams image bytes through a digest accumulator as they commit
// to flash, so the full image never needs to reside in RAM. The accumulator
// lives for one DFU session, Reset discards it on manifest completion, error
// or abort.
type Verifier struct {
	engine Engine
	h      hash.Hash
	n      uint32
}

func NewVerifier(engine Engine) *Verifier {
	return &Verifier{
		engine: engine,
		h:      engine(),
	}
}

// Write feeds committed image bytes, in final image order, into the digest
// accumulator.
func (v *Verifier) Write(p []byte) (n int, err error) {
	v.n += uint32(len(p))

	return v.h.Write(p)
}

// Staged returns the number of image bytes fed so far.
func (v *Verifier) Staged() uint32 {
	return v.n
}

// Verify finalizes the digest and checks it, and the staged byte count,
// against the trailer. Both checks must pass.
func (v *Verifier) Verify(t *Trailer) error {
	if t.Size != v.n {
		return &SizeMismatchError{Declared: t.Size, Staged: v.n}
	}

	var computed [DigestSize]byte
	v.h.Sum(computed[:0])

	if subtle.ConstantTimeCompare(computed[:], t.Digest[:]) != 1 {
		return &DigestMismatchError{Expected: t.Digest, Computed: computed}
	}

	return nil
}

// Reset discards the accumulator state and starts a fresh one.
func (v *Verifier) Reset() {
	v.h = v.engine()
	v.n = 0
}
