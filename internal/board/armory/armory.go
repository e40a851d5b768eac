// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build armory
// +build armory

package armory

import (
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/board"
	"github.com/ithinuel/usbd-dfu/internal/flash"

	"github.com/f-secure-foundry/tamago/soc/imx6"
	"github.com/f-secure-foundry/tamago/soc/imx6/usdhc"

	usbarmory "github.com/f-secure-foundry/tamago/board/f-secure/usbarmory/mark-two"
)

// first eMMC block of the DFU layout, clear of the boot area
const startBlock = 2048

// geometry over the internal eMMC, 4KiB pages
var geometry = board.Geometry{
	PageSize:  4096,
	SlotPages: 1024,
	Capabilities: api.Capabilities{
		WillDetach:    true,
		CanDownload:   true,
		CanUpload:     true,
		DetachTimeout: 5000,
		TransferSize:  4096,
	},
	PollTimeout: 100,
}

// Board exposes the USB armory Mk II as a DFU target.
type Board struct {
	drv *mmcDriver

	slot     flash.Driver
	staging  flash.Driver
	manifest flash.Driver
	selector flash.Driver
}

func New() (*Board, error) {
	if err := usbarmory.MMC.Detect(); err != nil {
		return nil, err
	}

	drv := &mmcDriver{
		card:      usbarmory.MMC,
		blockSize: usbarmory.MMC.Info().BlockSize,
	}

	slot, staging, manifest, selector, err := board.Partition(drv, geometry)

	if err != nil {
		return nil, err
	}

	return &Board{
		drv:      drv,
		slot:     slot,
		staging:  staging,
		manifest: manifest,
		selector: selector,
	}, nil
}

func (b *Board) Geometry() board.Geometry {
	return geometry
}

func (b *Board) Slot() flash.Driver {
	return b.slot
}

func (b *Board) Staging() flash.Driver {
	return b.staging
}

func (b *Board) Manifest() flash.Driver {
	return b.manifest
}

func (b *Board) Selector() flash.Driver {
	return b.selector
}

func (b *Board) Reset() {
	imx6.Reboot()
}

// mmcDriver adapts the eMMC block interface to the flash driver contract,
// the card has no erase-before-write constraint so Erase simply writes the
// erased pattern.
type mmcDriver struct {
	card      *usdhc.USDHC
	blockSize int
}

func (d *mmcDriver) PageSize() int {
	return geometry.PageSize
}

func (d *mmcDriver) NumPages() int {
	return geometry.Pages()
}

func (d *mmcDriver) blocksPerPage() int {
	return geometry.PageSize / d.blockSize
}

func (d *mmcDriver) lba(page int) int {
	return startBlock + page*d.blocksPerPage()
}

func (d *mmcDriver) Erase(page int) error {
	if page < 0 || page >= d.NumPages() {
		return fmt.Errorf("page %d out of range", page)
	}

	buf := make([]byte, geometry.PageSize)

	for i := range buf {
		buf[i] = flash.ErasedByte
	}

	return d.card.WriteBlocks(d.lba(page), buf)
}

func (d *mmcDriver) Program(page int, buf []byte) error {
	if page < 0 || page >= d.NumPages() {
		return fmt.Errorf("page %d out of range", page)
	}

	if len(buf) > geometry.PageSize {
		return fmt.Errorf("buffer size %d exceeds page size %d", len(buf), geometry.PageSize)
	}

	cur := make([]byte, geometry.PageSize)

	if err := d.card.ReadBlocks(d.lba(page), cur); err != nil {
		return err
	}

	for i, b := range buf {
		cur[i] &= b
	}

	return d.card.WriteBlocks(d.lba(page), cur)
}

func (d *mmcDriver) Read(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > flash.Size(d) {
		return fmt.Errorf("read out of range")
	}

	// align to block boundaries around the requested window
	first := addr / d.blockSize
	last := (addr + len(buf) + d.blockSize - 1) / d.blockSize

	tmp := make([]byte, (last-first)*d.blockSize)

	if err := d.card.ReadBlocks(startBlock+first, tmp); err != nil {
		return err
	}

	copy(buf, tmp[addr-first*d.blockSize:])

	return nil
}
