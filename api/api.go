// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the wire-level surface of the USB Device Firmware
// Update (DFU 1.1) class: request codes, protocol states, status codes,
// the GETSTATUS payload and the DFU functional descriptor.
package api

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// USB interface identification for the DFU class.
const (
	Class           = 0xfe
	SubClass        = 0x01
	RuntimeProtocol = 0x01
	ModeProtocol    = 0x02

	// DFU_FUNCTIONAL descriptor type
	Functional = 0x21

	// bcdDFUVersion
	Version = 0x0110
)

// bmRequestType values for class requests targeting the DFU interface.
const (
	RequestOut = 0x21
	RequestIn  = 0xa1
)

// DFU class requests, DFU 1.1, table 3.2.
const (
	DETACH = iota
	DNLOAD
	UPLOAD
	GETSTATUS
	CLRSTATUS
	GETSTATE
	ABORT
)

// State represents a bState value, DFU 1.1, section 6.1.2.
type State uint8

const (
	AppIdle State = iota
	AppDetach
	DFUIdle
	DFUDnloadSync
	DFUDnBusy
	DFUDnloadIdle
	DFUManifestSync
	DFUManifest
	DFUManifestWaitReset
	DFUUploadIdle
	DFUError
)

func (s State) String() string {
	switch s {
	case AppIdle:
		return "appIDLE"
	case AppDetach:
		return "appDETACH"
	case DFUIdle:
		return "dfuIDLE"
	case DFUDnloadSync:
		return "dfuDNLOAD-SYNC"
	case DFUDnBusy:
		return "dfuDNBUSY"
	case DFUDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case DFUManifestSync:
		return "dfuMANIFEST-SYNC"
	case DFUManifest:
		return "dfuMANIFEST"
	case DFUManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case DFUUploadIdle:
		return "dfuUPLOAD-IDLE"
	case DFUError:
		return "dfuERROR"
	}

	return fmt.Sprintf("unknown state %d", uint8(s))
}

// Status represents a bStatus value, DFU 1.1, section 6.1.2.
type Status uint8

const (
	OK Status = iota
	ErrTarget
	ErrFile
	ErrWrite
	ErrErase
	ErrCheckErased
	ErrProg
	ErrVerify
	ErrAddress
	ErrNotDone
	ErrFirmware
	ErrVendor
	ErrUSBR
	ErrPOR
	ErrUnknown
	ErrStalledPkt
)

var statusStr = [...]string{
	OK:             "no error",
	ErrTarget:      "file is not targeted for use by this device",
	ErrFile:        "file fails a vendor-specific verification test",
	ErrWrite:       "device is unable to write memory",
	ErrErase:       "memory erase function failed",
	ErrCheckErased: "memory erase check failed",
	ErrProg:        "program memory function failed",
	ErrVerify:      "programmed memory failed verification",
	ErrAddress:     "received address is out of range",
	ErrNotDone:     "device does not have all of the data yet",
	ErrFirmware:    "device firmware is corrupt",
	ErrVendor:      "vendor-specific error",
	ErrUSBR:        "unexpected USB reset signaling",
	ErrPOR:         "unexpected power on reset",
	ErrUnknown:     "unknown error",
	ErrStalledPkt:  "device stalled an unexpected request",
}

func (s Status) String() string {
	if int(s) < len(statusStr) {
		return statusStr[s]
	}

	return fmt.Sprintf("unknown status %d", uint8(s))
}

// Setup carries the fields of a USB setup packet relevant to class requests,
// in a USB stack independent form. The owning stack is expected to have
// verified bmRequestType class/interface targeting before dispatch.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DeviceStatus is the 6-byte DFU_GETSTATUS response payload.
type DeviceStatus struct {
	Status Status
	// milliseconds, 24 bits on the wire
	PollTimeout uint32
	State       State
	// iString index, always 0
	Desc uint8
}

// Bytes serializes the GETSTATUS payload.
func (d *DeviceStatus) Bytes() []byte {
	buf := make([]byte, 6)

	buf[0] = uint8(d.Status)
	buf[1] = uint8(d.PollTimeout)
	buf[2] = uint8(d.PollTimeout >> 8)
	buf[3] = uint8(d.PollTimeout >> 16)
	buf[4] = uint8(d.State)
	buf[5] = d.Desc

	return buf
}

// ParseDeviceStatus deserializes a GETSTATUS payload.
func ParseDeviceStatus(buf []byte) (d *DeviceStatus, err error) {
	if len(buf) != 6 {
		return nil, fmt.Errorf("invalid GETSTATUS payload size %d", len(buf))
	}

	d = &DeviceStatus{
		Status:      Status(buf[0]),
		PollTimeout: uint32(buf[1]) | uint32(buf[2])<<8 | uint32(buf[3])<<16,
		State:       State(buf[4]),
		Desc:        buf[5],
	}

	return
}

// Capabilities describes the DFU attributes a target advertises in its
// functional descriptor and enforces at run time.
type Capabilities struct {
	// device performs the detach-attach sequence on its own on DFU_DETACH
	WillDetach bool
	// device can service other requests after manifestation without reset
	ManifestationTolerant bool
	CanUpload             bool
	CanDownload           bool

	// milliseconds the device waits for a USB reset after DFU_DETACH
	DetachTimeout uint16
	// maximum bytes per DFU_DNLOAD/DFU_UPLOAD control transfer
	TransferSize uint16
}

// FunctionalDescriptor returns the 9-byte DFU_FUNCTIONAL descriptor.
func (c Capabilities) FunctionalDescriptor() []byte {
	var attributes uint8

	if c.WillDetach {
		attributes |= 1 << 3
	}

	if c.ManifestationTolerant {
		attributes |= 1 << 2
	}

	if c.CanUpload {
		attributes |= 1 << 1
	}

	if c.CanDownload {
		attributes |= 1 << 0
	}

	buf := make([]byte, 9)
	buf[0] = uint8(len(buf))
	buf[1] = Functional
	buf[2] = attributes
	binary.LittleEndian.PutUint16(buf[3:], c.DetachTimeout)
	binary.LittleEndian.PutUint16(buf[5:], c.TransferSize)
	binary.LittleEndian.PutUint16(buf[7:], Version)

	return buf
}

// ErrStall is returned by request handlers when the control transfer must be
// stalled, the transport is expected to reply with a STALL handshake.
var ErrStall = errors.New("stalled request")

// StatusError is implemented by protocol, flash, verification and selector
// errors that map to a specific DFU status code.
type StatusError interface {
	error
	Status() Status
}
