// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !armory
// +build !armory

package main

import (
	"github.com/ithinuel/usbd-dfu/internal/board"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// newBoard builds the simulated target, in memory or over a backing file.
// The memory driver is also returned when in use, for fault injection.
func newBoard() (board.Board, *flash.MemDriver, error) {
	g := board.SimGeometry

	if conf.flashPath != "" {
		d, err := flash.OpenFileDriver(conf.flashPath, g.PageSize, g.Pages())

		if err != nil {
			return nil, nil, err
		}

		b, err := board.NewSim(d, g)

		return b, nil, err
	}

	mem := flash.NewMemDriver(g.PageSize, g.Pages())
	b, err := board.NewSim(mem, g)

	return b, mem, err
}
