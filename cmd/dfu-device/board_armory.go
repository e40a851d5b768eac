// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build armory
// +build armory

package main

import (
	"errors"

	"github.com/ithinuel/usbd-dfu/internal/board"
	"github.com/ithinuel/usbd-dfu/internal/board/armory"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// newBoard probes the USB armory eMMC, turning the simulator into an on
// target self test over real storage. Fault injection and file backing
// only exist on the simulated flash.
func newBoard() (board.Board, *flash.MemDriver, error) {
	if conf.flashPath != "" || conf.powerCut > 0 {
		return nil, nil, errors.New("flash backing and power loss injection are simulator only")
	}

	b, err := armory.New()

	return b, nil, err
}
