// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package board expresses the per-target differences the DFU core runs
// against: flash geometry and regions, DFU attributes and reset, behind one
// small capability interface selected at build configuration. The protocol,
// verification and sequencing logic stays target-agnostic.
package board

import (
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// Geometry describes a target's flash layout: one application slot, one
// equally sized staging area for the incoming image, one manifest record
// page and a two-page boot selector area, all erase isolated. Downloads
// never touch the slot, the installed image survives any failed or
// interrupted transfer.
type Geometry struct {
	PageSize  int
	SlotPages int

	Capabilities api.Capabilities

	// bwPollTimeout bounding worst-case page erase+program, milliseconds
	PollTimeout uint32
}

// Pages returns the total page count of the layout: slot, staging, manifest
// and selector.
func (g Geometry) Pages() int {
	return 2*g.SlotPages + 1 + 2
}

// Board bundles the capabilities of one hardware (or simulated) target.
type Board interface {
	Geometry() Geometry

	// application image slot
	Slot() flash.Driver
	// staged image area
	Staging() flash.Driver
	// manifest record region
	Manifest() flash.Driver
	// boot selector region
	Selector() flash.Driver

	// warm reset request
	Reset()
}

// Partition carves the regions out of one backing device laid out per g:
// slot pages first, then staging, then the manifest page, then the selector
// pages.
func Partition(d flash.Driver, g Geometry) (slot, staging, manifest, selector flash.Driver, err error) {
	if d.PageSize() != g.PageSize {
		return nil, nil, nil, nil, fmt.Errorf("device page size %d != %d", d.PageSize(), g.PageSize)
	}

	if d.NumPages() < g.Pages() {
		return nil, nil, nil, nil, fmt.Errorf("device has %d pages, layout needs %d", d.NumPages(), g.Pages())
	}

	if slot, err = flash.NewRegion(d, 0, g.SlotPages); err != nil {
		return
	}

	if staging, err = flash.NewRegion(d, g.SlotPages, g.SlotPages); err != nil {
		return
	}

	if manifest, err = flash.NewRegion(d, 2*g.SlotPages, 1); err != nil {
		return
	}

	selector, err = flash.NewRegion(d, 2*g.SlotPages+1, 2)

	return
}
