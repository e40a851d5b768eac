// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package api

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeviceStatus(t *testing.T) {
	want := &DeviceStatus{
		Status:      ErrVerify,
		PollTimeout: 0x123456,
		State:       DFUDnBusy,
	}

	buf := want.Bytes()

	if len(buf) != 6 {
		t.Fatalf("GETSTATUS payload is %d bytes, expected 6", len(buf))
	}

	// bwPollTimeout is 24-bit little endian
	if buf[1] != 0x56 || buf[2] != 0x34 || buf[3] != 0x12 {
		t.Errorf("unexpected bwPollTimeout encoding % x", buf[1:4])
	}

	got, err := ParseDeviceStatus(buf)

	if err != nil {
		t.Fatalf("ParseDeviceStatus: %v", err)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	if _, err = ParseDeviceStatus(buf[:5]); err == nil {
		t.Errorf("short payload parsed")
	}
}

func TestFunctionalDescriptor(t *testing.T) {
	caps := Capabilities{
		WillDetach:            true,
		ManifestationTolerant: false,
		CanUpload:             true,
		CanDownload:           true,
		DetachTimeout:         1000,
		TransferSize:          2048,
	}

	want := []byte{
		9, Functional,
		0b1011,     // bmAttributes
		0xe8, 0x03, // wDetachTimeOut
		0x00, 0x08, // wTransferSize
		0x10, 0x01, // bcdDFUVersion
	}

	if got := caps.FunctionalDescriptor(); !bytes.Equal(got, want) {
		t.Errorf("descriptor mismatch\n got % x\nwant % x", got, want)
	}
}

func TestStrings(t *testing.T) {
	if s := DFUManifestWaitReset.String(); s == "" {
		t.Error("empty state name")
	}

	if s := State(99).String(); s == "" {
		t.Error("empty name for an out-of-range state")
	}

	if s := ErrStalledPkt.String(); s == "" {
		t.Error("empty status name")
	}

	if s := Status(99).String(); s == "" {
		t.Error("empty name for an out-of-range status")
	}
}
