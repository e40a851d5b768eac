// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"

	"github.com/ithinuel/usbd-dfu/internal/flash"
	"github.com/ithinuel/usbd-dfu/internal/image"
)

// loadInput reads the image to flash, flattening Intel HEX files to a
// contiguous binary with gaps filled with the erased flash pattern. Any
// other extension is taken as a raw binary.
func loadInput(path string) ([]byte, error) {
	if strings.ToLower(filepath.Ext(path)) != ".hex" {
		return os.ReadFile(path)
	}

	f, err := os.Open(path)

	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := gohex.NewMemory()

	if err := mem.ParseIntelHex(f); err != nil {
		return nil, err
	}

	segs := mem.GetDataSegments()

	if len(segs) == 0 {
		return nil, errors.New("no data records")
	}

	base := segs[0].Address
	end := base

	for _, s := range segs {
		if s.Address < base {
			base = s.Address
		}

		if e := s.Address + uint32(len(s.Data)); e > end {
			end = e
		}
	}

	buf := make([]byte, end-base)

	for i := range buf {
		buf[i] = flash.ErasedByte
	}

	for _, s := range segs {
		copy(buf[s.Address-base:], s.Data)
	}

	return buf, nil
}

// trailer computes the integrity trailer appended after the image bytes.
func trailer(img []byte) *image.Trailer {
	return &image.Trailer{
		Size:   uint32(len(img)),
		Digest: sha256.Sum256(img),
	}
}
