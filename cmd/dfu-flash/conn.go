// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	usb "github.com/google/gousb"

	"github.com/ithinuel/usbd-dfu/api"
)

// Conn is a control pipe to the DFU interface of one device.
type Conn struct {
	ctx *usb.Context
	dev *usb.Device
	iid uint16

	// interface protocol, distinguishes runtime from DFU mode
	proto uint8

	statusBuf [6]byte
}

type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "dfu: " + e.Op + ": " + e.Err.Error()
}

func wrapErr(op string, err *error) {
	if *err != nil {
		*err = &Error{op, *err}
	}
}

func parseBusAddr(busAddr string) (int, int) {
	s := strings.Split(busAddr, ":")

	if len(s) != 2 {
		return -1, -1
	}

	bus, err := strconv.ParseUint(s[0], 10, 8)

	if err != nil {
		return -1, -1
	}

	addr, err := strconv.ParseUint(s[1], 10, 8)

	if err != nil {
		return -1, -1
	}

	return int(bus), int(addr)
}

// Connect opens the device carrying a DFU interface, in either runtime or
// DFU mode. A specific device on the bus can be selected with a BUS:DEV
// string, otherwise exactly one match must exist.
func Connect(vendor, product usb.ID, busAddr string) (conn *Conn, err error) {
	defer wrapErr("Connect", &err)

	bus, addr := parseBusAddr(busAddr)

	if busAddr != "" && bus < 0 {
		return nil, errors.New("bad USB device address: " + busAddr)
	}

	ctx := usb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *usb.DeviceDesc) bool {
		if bus >= 0 && (desc.Bus != bus || desc.Address != addr) {
			return false
		}

		return desc.Vendor == vendor && desc.Product == product
	})

	if err != nil {
		ctx.Close()
		return
	}

	var dev *usb.Device
	var alt [3]int
	var proto uint8

	for _, d := range devs {
		for _, cfg := range d.Desc.Configs {
			for _, id := range cfg.Interfaces {
				for _, is := range id.AltSettings {
					if is.Class != api.Class || is.SubClass != api.SubClass {
						continue
					}

					if dev != nil && dev != d {
						err = errors.New("more than one matching device found")
						ctx.Close()
						return
					}

					dev = d
					alt = [3]int{cfg.Number, is.Number, is.Alternate}
					proto = uint8(is.Protocol)
				}
			}
		}
	}

	if dev == nil {
		ctx.Close()
		return nil, errors.New("no DFU device found")
	}

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(alt[0])

	if err != nil {
		ctx.Close()
		return
	}

	if _, err = cfg.Interface(alt[1], alt[2]); err != nil {
		ctx.Close()
		return
	}

	return &Conn{
		ctx:   ctx,
		dev:   dev,
		iid:   uint16(alt[1]),
		proto: proto,
	}, nil
}

func (c *Conn) Close() (err error) {
	err = c.ctx.Close()
	wrapErr("Close", &err)
	return
}

// Runtime reports whether the device enumerated its run-time DFU
// interface rather than the DFU mode one.
func (c *Conn) Runtime() bool {
	return c.proto == api.RuntimeProtocol
}

func (c *Conn) out(req uint8, val uint16, p []byte) error {
	_, err := c.dev.Control(
		usb.ControlOut|usb.ControlClass|usb.ControlInterface,
		req, val, c.iid, p,
	)

	return err
}

func (c *Conn) in(req uint8, val uint16, p []byte) (int, error) {
	return c.dev.Control(
		usb.ControlIn|usb.ControlClass|usb.ControlInterface,
		req, val, c.iid, p,
	)
}

func (c *Conn) GetStatus() (st *api.DeviceStatus, err error) {
	defer wrapErr("GetStatus", &err)

	if _, err = c.in(api.GETSTATUS, 0, c.statusBuf[:]); err != nil {
		return
	}

	return api.ParseDeviceStatus(c.statusBuf[:])
}

func (c *Conn) ClrStatus() (err error) {
	err = c.out(api.CLRSTATUS, 0, nil)
	wrapErr("ClrStatus", &err)
	return
}

func (c *Conn) Abort() (err error) {
	err = c.out(api.ABORT, 0, nil)
	wrapErr("Abort", &err)
	return
}

func (c *Conn) Detach(timeout uint16) (err error) {
	err = c.out(api.DETACH, timeout, nil)
	wrapErr("Detach", &err)
	return
}

// Reset issues a port reset, which reboots a device sitting in
// dfuMANIFEST-WAIT-RESET or concludes a detach handshake.
func (c *Conn) Reset() error {
	// the re-enumeration makes an error return expected
	c.dev.Reset()
	return nil
}

// Download transfers one numbered block and polls GETSTATUS until the
// device leaves dfuDNBUSY, honoring the advertised poll timeout. A device
// side failure surfaces as the reported status and the error state is
// cleared so the session can be retried.
func (c *Conn) Download(blockNum uint16, p []byte) (err error) {
	defer wrapErr("Download", &err)

	if err = c.out(api.DNLOAD, blockNum, p); err != nil {
		return
	}

	return c.settle()
}

// settle polls until the device reports a stable state, clearing and
// returning any reported error status.
func (c *Conn) settle() error {
	for {
		st, err := c.GetStatus()

		if err != nil {
			return err
		}

		if st.State == api.DFUError {
			if err = c.ClrStatus(); err != nil {
				return err
			}

			return fmt.Errorf("device reported %s", st.Status)
		}

		if st.State != api.DFUDnBusy && st.State != api.DFUManifest {
			return nil
		}

		time.Sleep(time.Duration(st.PollTimeout) * time.Millisecond)
	}
}

// Upload retrieves one numbered block of up to length bytes.
func (c *Conn) Upload(blockNum uint16, length int) (p []byte, err error) {
	defer wrapErr("Upload", &err)

	p = make([]byte, length)

	n, err := c.in(api.UPLOAD, blockNum, p)

	if err != nil {
		return nil, err
	}

	return p[:n], nil
}
