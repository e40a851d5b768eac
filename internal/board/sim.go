// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package board

import (
	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// SimGeometry mimics a small STM32-class part: 2KiB pages, a 64KiB
// application slot.
var SimGeometry = Geometry{
	PageSize:  2048,
	SlotPages: 32,
	Capabilities: api.Capabilities{
		WillDetach:    true,
		CanDownload:   true,
		CanUpload:     true,
		DetachTimeout: 1000,
		TransferSize:  1024,
	},
	PollTimeout: 50,
}

// Sim is a simulated target over any flash driver, used by the device
// simulator and the protocol tests. Reset requests are surfaced through a
// channel so the driving loop can emulate the power cycle.
type Sim struct {
	geo Geometry

	slot     flash.Driver
	staging  flash.Driver
	manifest flash.Driver
	selector flash.Driver

	// receives one value per reset request
	Resets chan struct{}
}

// NewSim partitions d per g and returns the simulated board.
func NewSim(d flash.Driver, g Geometry) (*Sim, error) {
	slot, staging, manifest, selector, err := Partition(d, g)

	if err != nil {
		return nil, err
	}

	return &Sim{
		geo:      g,
		slot:     slot,
		staging:  staging,
		manifest: manifest,
		selector: selector,
		Resets:   make(chan struct{}, 1),
	}, nil
}

func (s *Sim) Geometry() Geometry {
	return s.geo
}

func (s *Sim) Slot() flash.Driver {
	return s.slot
}

func (s *Sim) Staging() flash.Driver {
	return s.staging
}

func (s *Sim) Manifest() flash.Driver {
	return s.manifest
}

func (s *Sim) Selector() flash.Driver {
	return s.selector
}

func (s *Sim) Reset() {
	select {
	case s.Resets <- struct{}{}:
	default:
	}
}
