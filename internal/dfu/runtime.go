// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import (
	"errors"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/boot"
)

// RuntimeConfig carries the application-side DFU interface collaborators.
type RuntimeConfig struct {
	Capabilities api.Capabilities

	// boot selector, written before re-entering the bootloader
	Selector *boot.Selector
	// warm reset request, invoked after the selector update persisted
	Reset func()
}

// Runtime is the application-side DFU interface: it advertises DFU support
// while the application runs and services DFU_DETACH to request bootloader
// re-entry through the boot selector.
type Runtime struct {
	caps api.Capabilities
	sel  *boot.Selector
	rst  func()

	state     api.State
	remaining uint32
}

func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Selector == nil || cfg.Reset == nil {
		return nil, errors.New("selector and reset are required")
	}

	return &Runtime{
		caps:  cfg.Capabilities,
		sel:   cfg.Selector,
		rst:   cfg.Reset,
		state: api.AppIdle,
	}, nil
}

// State returns the current bState value.
func (r *Runtime) State() api.State {
	return r.state
}

// Capabilities returns the target's DFU attributes.
func (r *Runtime) Capabilities() api.Capabilities {
	return r.caps
}

// Request handles one DFU class control request in application mode.
func (r *Runtime) Request(setup *api.Setup, _ []byte) (in []byte, err error) {
	switch setup.Request {
	case api.DETACH:
		timeout := setup.Value

		if timeout > r.caps.DetachTimeout {
			timeout = r.caps.DetachTimeout
		}

		if r.caps.WillDetach {
			// the device resets itself rather than waiting for the host
			return nil, r.Detach()
		}

		r.state = api.AppDetach
		r.remaining = uint32(timeout)

		return
	case api.GETSTATUS:
		d := &api.DeviceStatus{
			Status:      api.OK,
			PollTimeout: 1,
			State:       r.state,
		}

		return d.Bytes(), nil
	case api.GETSTATE:
		return []byte{uint8(r.state)}, nil
	}

	r.state = api.AppIdle

	return nil, api.ErrStall
}

// Poll counts down the detach window, elapsed is the time in milliseconds
// since the previous call. When the window expires without a bus reset the
// device reverts to normal operation.
func (r *Runtime) Poll(elapsed uint32) {
	if r.state != api.AppDetach {
		return
	}

	if r.remaining > elapsed {
		r.remaining -= elapsed
		return
	}

	r.remaining = 0
	r.state = api.AppIdle
}

// BusReset handles a USB bus reset: during the detach window it triggers
// bootloader re-entry.
func (r *Runtime) BusReset() error {
	if r.state != api.AppDetach {
		return nil
	}

	r.state = api.AppIdle

	return r.Detach()
}

// Detach requests bootloader re-entry: the boot selector is pointed at the
// bootloader and, only once that update persisted, the device resets. A
// selector persist failure leaves the device running the application.
func (r *Runtime) Detach() error {
	if err := r.sel.Write(boot.Bootloader); err != nil {
		return err
	}

	r.rst()

	return nil
}
