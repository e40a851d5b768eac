// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package image implements the firmware image wire format and its
// verification: the trailing metadata record appended to every transferred
// image, the streaming verifier fed as pages commit, and the manifest record
// persisted next to an installed image.
package image

import (
	"encoding/binary"
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
)

// DigestSize is the digest length carried by the trailer, all supported
// engines produce 256-bit digests.
const DigestSize = 32

// TrailerSize is the fixed size of the trailing metadata record.
const TrailerSize = 4 + DigestSize

// Trailer is the metadata record closing an image transfer: the declared
// image size (excluding the trailer itself) and the expected digest of the
// image bytes. It must be the last bytes received before the terminating
// zero-length download.
type Trailer struct {
	Size   uint32
	Digest [DigestSize]byte
}

// Bytes serializes the trailer in its wire layout, size first, little
// endian.
func (t *Trailer) Bytes() []byte {
	buf := make([]byte, TrailerSize)

	binary.LittleEndian.PutUint32(buf, t.Size)
	copy(buf[4:], t.Digest[:])

	return buf
}

// ParseTrailer deserializes a trailing metadata record.
func ParseTrailer(buf []byte) (t *Trailer, err error) {
	if len(buf) != TrailerSize {
		return nil, fmt.Errorf("invalid trailer size %d != %d", len(buf), TrailerSize)
	}

	t = &Trailer{
		Size: binary.LittleEndian.Uint32(buf),
	}
	copy(t.Digest[:], buf[4:])

	return
}

// DigestMismatchError reports an image whose computed digest does not match
// the digest declared in its trailer.
type DigestMismatchError struct {
	Expected [DigestSize]byte
	Computed [DigestSize]byte
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("image digest mismatch, declared %x, computed %x", e.Expected, e.Computed)
}

func (e *DigestMismatchError) Status() api.Status { return api.ErrFile }

// SizeMismatchError reports an image whose declared size does not match the
// bytes actually staged.
type SizeMismatchError struct {
	Declared uint32
	Staged   uint32
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("image size mismatch, declared %d, staged %d", e.Declared, e.Staged)
}

func (e *SizeMismatchError) Status() api.Status { return api.ErrNotDone }
