// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package flash

import (
	"errors"
	"fmt"
)

// MemDriver simulates a NOR flash device in memory, with the usual
// erase-before-write constraint: programming can only clear bits, erasing
// returns a page to all-ones.
//
// The fault injection hooks and the operation counter support tests that
// exercise error paths and power-loss scenarios.
type MemDriver struct {
	pageSize int
	mem      []byte

	// fault injection, called before the corresponding operation
	EraseFault   func(page int) error
	ProgramFault func(page int, buf []byte) error

	// erase and program operations performed so far
	Ops int
}

func NewMemDriver(pageSize, numPages int) *MemDriver {
	mem := make([]byte, pageSize*numPages)

	for i := range mem {
		mem[i] = ErasedByte
	}

	return &MemDriver{
		pageSize: pageSize,
		mem:      mem,
	}
}

func (d *MemDriver) PageSize() int {
	return d.pageSize
}

func (d *MemDriver) NumPages() int {
	return len(d.mem) / d.pageSize
}

func (d *MemDriver) Erase(page int) error {
	if page < 0 || page >= d.NumPages() {
		return fmt.Errorf("page %d out of range", page)
	}

	if d.EraseFault != nil {
		if err := d.EraseFault(page); err != nil {
			return err
		}
	}

	d.Ops++

	off := page * d.pageSize

	for i := off; i < off+d.pageSize; i++ {
		d.mem[i] = ErasedByte
	}

	return nil
}

func (d *MemDriver) Program(page int, buf []byte) error {
	if page < 0 || page >= d.NumPages() {
		return fmt.Errorf("page %d out of range", page)
	}

	if len(buf) > d.pageSize {
		return fmt.Errorf("buffer size %d exceeds page size %d", len(buf), d.pageSize)
	}

	if d.ProgramFault != nil {
		if err := d.ProgramFault(page, buf); err != nil {
			return err
		}
	}

	d.Ops++

	off := page * d.pageSize

	for i, b := range buf {
		// NOR semantics, programming only clears bits
		d.mem[off+i] &= b
	}

	return nil
}

func (d *MemDriver) Read(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > len(d.mem) {
		return errors.New("read out of range")
	}

	copy(buf, d.mem[addr:])

	return nil
}

// Corrupt flips the byte at addr, bypassing program semantics. Tests use it
// to emulate in-flash corruption and torn writes.
func (d *MemDriver) Corrupt(addr int) {
	d.mem[addr] ^= 0xff
}

// Snapshot returns a copy of the flash contents, restorable with Restore to
// emulate a power cycle.
func (d *MemDriver) Snapshot() []byte {
	return append([]byte(nil), d.mem...)
}

// Restore replaces the flash contents with a previous Snapshot.
func (d *MemDriver) Restore(mem []byte) {
	copy(d.mem, mem)
}
