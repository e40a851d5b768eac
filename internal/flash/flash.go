// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package flash defines the minimum flash capability the DFU core programs
// against and the page programming sequencer built on top of it.
//
// Targets expose their flash (or any erase-before-write storage) through the
// Driver interface, page size and count are target constants selected at
// build configuration.
package flash

import (
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
)

// ErasedByte is the value a page reads back as after a successful erase.
const ErasedByte = 0xff

// Driver is the primitive flash capability of a target region.
//
// Addresses are byte offsets from the start of the region, pages are the
// region's erase/program granularity units counted from zero. Program can
// only clear bits of an erased page, callers are expected to erase first.
type Driver interface {
	PageSize() int
	NumPages() int

	Erase(page int) error
	Program(page int, buf []byte) error
	Read(addr int, buf []byte) error
}

// Size returns the region capacity in bytes.
func Size(d Driver) int {
	return d.PageSize() * d.NumPages()
}

// EraseError reports a failed page erase operation.
type EraseError struct {
	Page int
	Err  error
}

func (e *EraseError) Error() string {
	return fmt.Sprintf("erase page %d: %v", e.Page, e.Err)
}

func (e *EraseError) Unwrap() error { return e.Err }

func (e *EraseError) Status() api.Status { return api.ErrErase }

// WriteError reports a failed page program operation.
type WriteError struct {
	Page int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("program page %d: %v", e.Page, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func (e *WriteError) Status() api.Status { return api.ErrProg }

// VerifyError reports a page whose contents, read back after programming, do
// not match the intended bytes.
type VerifyError struct {
	Page int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("page %d read-back verification mismatch", e.Page)
}

func (e *VerifyError) Status() api.Status { return api.ErrVerify }

// CheckErasedError reports a page which does not read back as erased after a
// successful erase operation.
type CheckErasedError struct {
	Page int
}

func (e *CheckErasedError) Error() string {
	return fmt.Sprintf("page %d erase check failed", e.Page)
}

func (e *CheckErasedError) Status() api.Status { return api.ErrCheckErased }

// Region exposes a page-aligned window of a Driver as a Driver of its own,
// it is used to carve the application slot, the manifest record area and the
// boot selector area out of one device, keeping them erase-isolated.
type Region struct {
	drv   Driver
	start int
	pages int
}

// NewRegion returns a window of pages [start, start+pages) of d.
func NewRegion(d Driver, start int, pages int) (*Region, error) {
	if start < 0 || pages <= 0 || start+pages > d.NumPages() {
		return nil, fmt.Errorf("invalid region [%d, %d) of %d pages", start, start+pages, d.NumPages())
	}

	return &Region{
		drv:   d,
		start: start,
		pages: pages,
	}, nil
}

func (r *Region) PageSize() int {
	return r.drv.PageSize()
}

func (r *Region) NumPages() int {
	return r.pages
}

func (r *Region) Erase(page int) error {
	if page < 0 || page >= r.pages {
		return fmt.Errorf("page %d out of region", page)
	}

	return r.drv.Erase(r.start + page)
}

func (r *Region) Program(page int, buf []byte) error {
	if page < 0 || page >= r.pages {
		return fmt.Errorf("page %d out of region", page)
	}

	return r.drv.Program(r.start+page, buf)
}

func (r *Region) Read(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > r.pages*r.drv.PageSize() {
		return fmt.Errorf("read [%d, %d) out of region", addr, addr+len(buf))
	}

	return r.drv.Read(r.start*r.drv.PageSize()+addr, buf)
}

// Blank reports whether a page reads back fully erased.
func Blank(d Driver, page int) (bool, error) {
	buf := make([]byte, d.PageSize())

	if err := d.Read(page*d.PageSize(), buf); err != nil {
		return false, err
	}

	for _, b := range buf {
		if b != ErasedByte {
			return false, nil
		}
	}

	return true, nil
}
