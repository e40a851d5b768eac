// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/dfu"
	"github.com/ithinuel/usbd-dfu/internal/image"
)

// flashImage plays the host side of a download session directly against
// the mode machine: image and trailer are streamed as numbered DNLOAD
// blocks, each acknowledged through GETSTATUS polling, then the session is
// closed with a zero length block and polled through manifestation.
func flashImage(m *dfu.Mode, img []byte, trailer *image.Trailer, chunk int) error {
	if chunk <= 0 || chunk > int(m.Capabilities().TransferSize) {
		chunk = int(m.Capabilities().TransferSize)
	}

	stream := append(append([]byte{}, img...), trailer.Bytes()...)

	var block uint16

	for off := 0; off < len(stream); off += chunk {
		end := off + chunk

		if end > len(stream) {
			end = len(stream)
		}

		if err := dnload(m, block, stream[off:end]); err != nil {
			return err
		}

		if _, err := await(m); err != nil {
			return err
		}

		block++
	}

	// end of transfer
	if err := dnload(m, block, nil); err != nil {
		return err
	}

	st, err := await(m)

	if err != nil {
		return err
	}

	log.Printf("  transfer done, %d blocks, state %s", block, st.State)

	return nil
}

func dnload(m *dfu.Mode, block uint16, data []byte) error {
	_, err := m.Request(&api.Setup{
		RequestType: api.RequestOut,
		Request:     api.DNLOAD,
		Value:       block,
		Length:      uint16(len(data)),
	}, data)

	if err != nil {
		st, _ := getStatus(m)

		if st != nil {
			return fmt.Errorf("block %d rejected, status %s", block, st.Status)
		}

		return fmt.Errorf("block %d rejected", block)
	}

	return nil
}

func getStatus(m *dfu.Mode) (*api.DeviceStatus, error) {
	buf, err := m.Request(&api.Setup{
		RequestType: api.RequestIn,
		Request:     api.GETSTATUS,
		Length:      6,
	}, nil)

	if err != nil {
		return nil, err
	}

	return api.ParseDeviceStatus(buf)
}

// await polls GETSTATUS, honoring the reported poll timeout, until the
// device settles in an idle state.
func await(m *dfu.Mode) (*api.DeviceStatus, error) {
	for {
		st, err := getStatus(m)

		if err != nil {
			return nil, err
		}

		switch st.State {
		case api.DFUDnBusy, api.DFUManifest:
			tick(m, st.PollTimeout)
		case api.DFUError:
			return st, fmt.Errorf("device reported %s", st.Status)
		default:
			return st, nil
		}
	}
}

// tick advances the device clock, one millisecond per call like a firmware
// main loop would.
func tick(m *dfu.Mode, ms uint32) {
	if ms == 0 {
		ms = 1
	}

	for i := uint32(0); i < ms; i++ {
		m.Poll(1)
	}
}
