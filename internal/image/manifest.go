// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package image

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/ithinuel/usbd-dfu/internal/flash"
)

const manifestMagic = 0x44465531

// ErrNoManifest is returned when the manifest region does not hold a valid
// record, which is the case on blank devices and after an interrupted
// install.
var ErrNoManifest = errors.New("no valid manifest record")

// EncodeManifest serializes a verified trailer as the manifest record
// persisted next to the installed image, padded to one flash page:
//
//	magic (u32) | trailer | crc32 (u32) | 0xff padding
//
// The checksum makes a torn manifest write detectable at boot.
func EncodeManifest(t *Trailer, pageSize int) ([]byte, error) {
	if pageSize < 4+TrailerSize+4 {
		return nil, fmt.Errorf("page size %d too small for manifest record", pageSize)
	}

	buf := make([]byte, pageSize)

	for i := range buf {
		buf[i] = flash.ErasedByte
	}

	binary.LittleEndian.PutUint32(buf, manifestMagic)
	copy(buf[4:], t.Bytes())
	binary.LittleEndian.PutUint32(buf[4+TrailerSize:], crc32.ChecksumIEEE(buf[:4+TrailerSize]))

	return buf, nil
}

// LoadManifest reads and validates the manifest record from its region.
func LoadManifest(d flash.Driver) (*Trailer, error) {
	buf := make([]byte, 4+TrailerSize+4)

	if err := d.Read(0, buf); err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint32(buf) != manifestMagic {
		return nil, ErrNoManifest
	}

	if binary.LittleEndian.Uint32(buf[4+TrailerSize:]) != crc32.ChecksumIEEE(buf[:4+TrailerSize]) {
		return nil, ErrNoManifest
	}

	return ParseTrailer(buf[4 : 4+TrailerSize])
}

// Check re-computes the digest of the installed image, reading the slot page
// by page, and compares it against the manifest record. It implements the
// boot-time firmware validity probe.
func Check(slot flash.Driver, t *Trailer, engine Engine) error {
	if int(t.Size) > flash.Size(slot) {
		return &SizeMismatchError{Declared: t.Size, Staged: uint32(flash.Size(slot))}
	}

	h := engine()
	buf := make([]byte, slot.PageSize())
	remaining := int(t.Size)
	addr := 0

	for remaining > 0 {
		n := len(buf)

		if n > remaining {
			n = remaining
		}

		if err := slot.Read(addr, buf[:n]); err != nil {
			return err
		}

		h.Write(buf[:n])
		addr += n
		remaining -= n
	}

	var computed [DigestSize]byte
	h.Sum(computed[:0])

	if subtle.ConstantTimeCompare(computed[:], t.Digest[:]) != 1 {
		return &DigestMismatchError{Expected: t.Digest, Computed: computed}
	}

	return nil
}
