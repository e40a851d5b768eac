// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import (
	"errors"
	"testing"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/boot"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

func newRuntimeRig(t *testing.T, willDetach bool) (*Runtime, *boot.Selector, *flash.MemDriver, *int) {
	t.Helper()

	mem := flash.NewMemDriver(64, 2)

	sel, err := boot.NewSelector(mem)

	if err != nil {
		t.Fatal(err)
	}

	// an application selector record, as on a device running firmware
	if err := sel.Write(boot.Application); err != nil {
		t.Fatal(err)
	}

	resets := 0

	rt, err := NewRuntime(RuntimeConfig{
		Capabilities: api.Capabilities{
			WillDetach:    willDetach,
			DetachTimeout: 1000,
		},
		Selector: sel,
		Reset:    func() { resets++ },
	})

	if err != nil {
		t.Fatal(err)
	}

	return rt, sel, mem, &resets
}

func detach(t *testing.T, rt *Runtime, timeout uint16) error {
	t.Helper()

	_, err := rt.Request(&api.Setup{
		RequestType: api.RequestOut,
		Request:     api.DETACH,
		Value:       timeout,
	}, nil)

	return err
}

func TestRuntimeWillDetach(t *testing.T) {
	rt, sel, _, resets := newRuntimeRig(t, true)

	if err := detach(t, rt, 500); err != nil {
		t.Fatalf("DETACH failed: %v", err)
	}

	if *resets != 1 {
		t.Fatalf("device did not reset itself")
	}

	if sel.Boot() != boot.Bootloader {
		t.Errorf("selector does not reference the bootloader")
	}
}

func TestRuntimeDetachWindow(t *testing.T) {
	rt, sel, _, resets := newRuntimeRig(t, false)

	if err := detach(t, rt, 500); err != nil {
		t.Fatalf("DETACH failed: %v", err)
	}

	if rt.State() != api.AppDetach {
		t.Fatalf("expected appDETACH, got %s", rt.State())
	}

	// a bus reset inside the window re-enters the bootloader
	if err := rt.BusReset(); err != nil {
		t.Fatalf("BusReset: %v", err)
	}

	if *resets != 1 || sel.Boot() != boot.Bootloader {
		t.Errorf("bus reset did not trigger bootloader re-entry")
	}
}

func TestRuntimeDetachTimeout(t *testing.T) {
	rt, sel, _, resets := newRuntimeRig(t, false)

	if err := detach(t, rt, 2000); err != nil {
		t.Fatalf("DETACH failed: %v", err)
	}

	// the requested timeout is capped at wDetachTimeOut, an expired window
	// reverts to normal operation
	rt.Poll(999)

	if rt.State() != api.AppDetach {
		t.Fatalf("window expired early")
	}

	rt.Poll(1)

	if rt.State() != api.AppIdle {
		t.Fatalf("window did not expire")
	}

	if err := rt.BusReset(); err != nil {
		t.Fatal(err)
	}

	if *resets != 0 || sel.Boot() != boot.Application {
		t.Errorf("bus reset after the window still detached")
	}
}

func TestRuntimePersistFailure(t *testing.T) {
	rt, sel, mem, resets := newRuntimeRig(t, true)

	mem.EraseFault = func(page int) error {
		return errors.New("injected")
	}

	err := detach(t, rt, 500)

	var pe *boot.PersistError

	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistError, got %v", err)
	}

	// the application keeps running, nothing was reset or switched
	if *resets != 0 {
		t.Errorf("device reset despite the failed selector update")
	}

	mem.EraseFault = nil

	if sel.Boot() != boot.Application {
		t.Errorf("selector no longer references the application")
	}
}

func TestRuntimeStatus(t *testing.T) {
	rt, _, _, _ := newRuntimeRig(t, false)

	in, err := rt.Request(&api.Setup{
		RequestType: api.RequestIn,
		Request:     api.GETSTATUS,
		Length:      6,
	}, nil)

	if err != nil {
		t.Fatalf("GETSTATUS stalled")
	}

	st, err := api.ParseDeviceStatus(in)

	if err != nil {
		t.Fatal(err)
	}

	if st.State != api.AppIdle || st.Status != api.OK {
		t.Errorf("unexpected status %s (%s)", st.State, st.Status)
	}

	// mode-only requests are stalled in application mode
	if _, err := rt.Request(&api.Setup{Request: api.DNLOAD}, nil); !errors.Is(err, api.ErrStall) {
		t.Errorf("DNLOAD accepted in run-time mode: %v", err)
	}
}
