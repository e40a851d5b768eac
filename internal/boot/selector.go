// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package boot implements the persistent boot selector: the record read at
// every reset to arbitrate between bootloader and application entry.
//
// The record lives in a two-slot, erase-isolated flash region. Updates
// always go to the alternate slot with an incremented generation counter and
// are read back before being treated as authoritative, so a torn write can
// only affect the slot being written and the previous record survives it.
// Any state that does not validate resolves to bootloader entry, never to
// application entry.
package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// Target selects the code to run after reset.
type Target uint8

const (
	Bootloader Target = iota
	Application
)

func (t Target) String() string {
	switch t {
	case Bootloader:
		return "bootloader"
	case Application:
		return "application"
	}

	return fmt.Sprintf("unknown target %d", uint8(t))
}

const (
	selectorMagic = 0xb0075e1c
	validFlag     = 0xa5

	recordSize = 16
	slots      = 2
)

// ErrCorrupt is returned by Read when no slot holds a valid record, boot
// logic maps it to bootloader entry.
var ErrCorrupt = errors.New("no valid boot selector record")

// PersistError reports a selector update that could not be written or did
// not read back as written. The requested mode switch must be treated as
// failed, the previous record remains authoritative.
type PersistError struct {
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("boot selector update failed: %v", e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

func (e *PersistError) Status() api.Status { return api.ErrWrite }

// Record is the boot selector state.
type Record struct {
	Target     Target
	Generation uint32
}

// record slot layout:
//
//	magic (u32) | generation (u32) | target (u8) | valid (u8) | reserved (u16) | crc32 (u32)
func (r *Record) bytes() []byte {
	buf := make([]byte, recordSize)

	binary.LittleEndian.PutUint32(buf, selectorMagic)
	binary.LittleEndian.PutUint32(buf[4:], r.Generation)
	buf[8] = uint8(r.Target)
	buf[9] = validFlag
	binary.LittleEndian.PutUint32(buf[12:], crc32.ChecksumIEEE(buf[:12]))

	return buf
}

func parseRecord(buf []byte) (r *Record, err error) {
	if binary.LittleEndian.Uint32(buf) != selectorMagic {
		return nil, ErrCorrupt
	}

	if buf[9] != validFlag {
		return nil, ErrCorrupt
	}

	if binary.LittleEndian.Uint32(buf[12:]) != crc32.ChecksumIEEE(buf[:12]) {
		return nil, ErrCorrupt
	}

	r = &Record{
		Target:     Target(buf[8]),
		Generation: binary.LittleEndian.Uint32(buf[4:]),
	}

	if r.Target != Bootloader && r.Target != Application {
		return nil, ErrCorrupt
	}

	return
}

// Selector owns the persisted boot selector region, one slot per erase page.
type Selector struct {
	drv flash.Driver
}

// NewSelector wraps a flash region of at least two pages.
func NewSelector(d flash.Driver) (*Selector, error) {
	if d.NumPages() < slots {
		return nil, fmt.Errorf("selector region needs %d pages, has %d", slots, d.NumPages())
	}

	if d.PageSize() < recordSize {
		return nil, fmt.Errorf("selector region page size %d too small", d.PageSize())
	}

	return &Selector{drv: d}, nil
}

// read returns the newest valid record and the slot holding it.
func (s *Selector) read() (r *Record, slot int, err error) {
	slot = -1

	for i := 0; i < slots; i++ {
		buf := make([]byte, recordSize)

		if err := s.drv.Read(i*s.drv.PageSize(), buf); err != nil {
			continue
		}

		rec, err := parseRecord(buf)

		if err != nil {
			continue
		}

		if r == nil || rec.Generation > r.Generation {
			r = rec
			slot = i
		}
	}

	if r == nil {
		return nil, -1, ErrCorrupt
	}

	return
}

// Read returns the current record, or ErrCorrupt when no slot validates.
func (s *Selector) Read() (*Record, error) {
	r, _, err := s.read()
	return r, err
}

// Write persists a new target choice to the alternate slot with an
// incremented generation counter, then reads it back. The update only
// becomes authoritative once the read-back matches.
func (s *Selector) Write(target Target) error {
	slot := 0
	generation := uint32(1)

	if cur, curSlot, err := s.read(); err == nil {
		slot = (curSlot + 1) % slots
		generation = cur.Generation + 1
	}

	rec := &Record{
		Target:     target,
		Generation: generation,
	}

	if err := s.drv.Erase(slot); err != nil {
		return &PersistError{Err: err}
	}

	if err := s.drv.Program(slot, rec.bytes()); err != nil {
		return &PersistError{Err: err}
	}

	buf := make([]byte, recordSize)

	if err := s.drv.Read(slot*s.drv.PageSize(), buf); err != nil {
		return &PersistError{Err: err}
	}

	if !bytes.Equal(buf, rec.bytes()) {
		return &PersistError{Err: errors.New("read-back mismatch")}
	}

	cur, _, err := s.read()

	if err != nil || cur.Generation != generation || cur.Target != target {
		return &PersistError{Err: errors.New("record not authoritative after write")}
	}

	return nil
}

// Boot resolves the target to enter after reset, defaulting to bootloader
// whenever the selector state is corrupt or absent.
func (s *Selector) Boot() Target {
	r, err := s.Read()

	if err != nil {
		return Bootloader
	}

	return r.Target
}
