// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dfu

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/board"
	"github.com/ithinuel/usbd-dfu/internal/boot"
	"github.com/ithinuel/usbd-dfu/internal/flash"
	"github.com/ithinuel/usbd-dfu/internal/image"
)

var testGeometry = board.Geometry{
	PageSize:  512,
	SlotPages: 4,
	Capabilities: api.Capabilities{
		WillDetach:    true,
		CanDownload:   true,
		CanUpload:     true,
		DetachTimeout: 1000,
		TransferSize:  1024,
	},
	PollTimeout: 10,
}

type rig struct {
	t *testing.T

	mem *flash.MemDriver
	b   *board.Sim
	sel *boot.Selector
	m   *Mode
}

func newRig(t *testing.T) *rig {
	t.Helper()

	mem := flash.NewMemDriver(testGeometry.PageSize, testGeometry.Pages())

	r := &rig{t: t, mem: mem}
	r.restart()

	return r
}

// restart rebuilds the machine over the same flash contents, emulating a
// power cycle.
func (r *rig) restart() {
	r.t.Helper()

	b, err := board.NewSim(r.mem, testGeometry)

	if err != nil {
		r.t.Fatal(err)
	}

	sel, err := boot.NewSelector(b.Selector())

	if err != nil {
		r.t.Fatal(err)
	}

	m, err := NewMode(ModeConfig{
		Capabilities: testGeometry.Capabilities,
		PollTimeout:  testGeometry.PollTimeout,
		Slot:         b.Slot(),
		Staging:      b.Staging(),
		Manifest:     b.Manifest(),
		Selector:     sel,
	})

	if err != nil {
		r.t.Fatal(err)
	}

	r.b, r.sel, r.m = b, sel, m
}

func (r *rig) request(req uint8, val uint16, data []byte, length uint16) ([]byte, error) {
	return r.m.Request(&api.Setup{
		RequestType: api.RequestOut,
		Request:     req,
		Value:       val,
		Length:      length,
	}, data)
}

func (r *rig) status() *api.DeviceStatus {
	r.t.Helper()

	buf, err := r.request(api.GETSTATUS, 0, nil, 6)

	if err != nil {
		r.t.Fatalf("GETSTATUS stalled in state %s", r.m.State())
	}

	st, err := api.ParseDeviceStatus(buf)

	if err != nil {
		r.t.Fatal(err)
	}

	return st
}

// settle polls GETSTATUS, advancing the device clock through the advertised
// poll windows, until the machine reaches a stable state.
func (r *rig) settle() *api.DeviceStatus {
	r.t.Helper()

	for i := 0; i < 10000; i++ {
		st := r.status()

		switch st.State {
		case api.DFUDnBusy, api.DFUManifest:
			for t := uint32(0); t < st.PollTimeout; t++ {
				r.m.Poll(1)
			}
		default:
			return st
		}
	}

	r.t.Fatal("machine did not settle")

	return nil
}

func (r *rig) dnload(block uint16, data []byte) {
	r.t.Helper()

	if _, err := r.request(api.DNLOAD, block, data, uint16(len(data))); err != nil {
		r.t.Fatalf("DNLOAD block %d stalled", block)
	}
}

// download drives a full session: image and trailer in chunk-sized blocks,
// the terminating zero-length block, then manifestation. It returns the
// final settled status.
func (r *rig) download(stream []byte, chunk int) *api.DeviceStatus {
	r.t.Helper()

	var block uint16

	for off := 0; off < len(stream); off += chunk {
		end := off + chunk

		if end > len(stream) {
			end = len(stream)
		}

		r.dnload(block, stream[off:end])
		block++

		if st := r.settle(); st.State != api.DFUDnloadIdle {
			return st
		}
	}

	r.dnload(block, nil)

	return r.settle()
}

func testImage(n int) []byte {
	buf := make([]byte, n)

	for i := range buf {
		buf[i] = byte(i * 13)
	}

	return buf
}

func withTrailer(img []byte) []byte {
	t := &image.Trailer{
		Size:   uint32(len(img)),
		Digest: sha256.Sum256(img),
	}

	return append(append([]byte{}, img...), t.Bytes()...)
}

func (r *rig) checkInstalled(img []byte) {
	r.t.Helper()

	got := make([]byte, len(img))

	if err := r.b.Slot().Read(0, got); err != nil {
		r.t.Fatal(err)
	}

	if !bytes.Equal(got, img) {
		r.t.Errorf("slot contents do not match the downloaded image")
	}

	t, err := image.LoadManifest(r.b.Manifest())

	if err != nil {
		r.t.Fatalf("no manifest record after manifestation: %v", err)
	}

	if t.Size != uint32(len(img)) {
		r.t.Errorf("manifest declares %d bytes, expected %d", t.Size, len(img))
	}

	if r.sel.Boot() != boot.Application {
		r.t.Errorf("boot selector does not reference the application")
	}
}

func TestModeInitialState(t *testing.T) {
	r := newRig(t)

	if r.m.State() != api.DFUIdle {
		t.Fatalf("blank device starts in %s", r.m.State())
	}

	if st := r.status(); st.Status != api.OK {
		t.Fatalf("blank device reports %s", st.Status)
	}
}

func TestDownload(t *testing.T) {
	r := newRig(t)
	img := testImage(1536)

	st := r.download(withTrailer(img), 512)

	if st.State != api.DFUManifestWaitReset {
		t.Fatalf("session ended in %s (%s)", st.State, st.Status)
	}

	// the wait-reset state keeps answering status requests without change
	for i := 0; i < 3; i++ {
		if st := r.status(); st.State != api.DFUManifestWaitReset || st.Status != api.OK {
			t.Fatalf("wait-reset not stable: %s (%s)", st.State, st.Status)
		}
	}

	r.checkInstalled(img)

	// after the reset the device would re-probe and report a valid image
	r.restart()

	if r.m.State() != api.DFUIdle {
		t.Errorf("device with a valid image restarts in %s", r.m.State())
	}
}

func TestDownloadChunkSizes(t *testing.T) {
	for _, chunk := range []int{16, 100, 512, 1024} {
		t.Run(fmt.Sprintf("chunk %d", chunk), func(t *testing.T) {
			r := newRig(t)
			img := testImage(1000)

			if st := r.download(withTrailer(img), chunk); st.State != api.DFUManifestWaitReset {
				t.Fatalf("session ended in %s (%s)", st.State, st.Status)
			}

			r.checkInstalled(img)

			// the tail of the final page reads as erased flash
			pad := make([]byte, 24)

			if err := r.b.Slot().Read(1000, pad); err != nil {
				t.Fatal(err)
			}

			for _, b := range pad {
				if b != flash.ErasedByte {
					t.Errorf("final page pad not erased")
					break
				}
			}
		})
	}
}

func TestDownloadBlockTooLarge(t *testing.T) {
	r := newRig(t)

	if _, err := r.request(api.DNLOAD, 0, make([]byte, 1025), 1025); !errors.Is(err, api.ErrStall) {
		t.Fatalf("oversized block accepted: %v", err)
	}

	if st := r.status(); st.State != api.DFUError || st.Status != api.ErrStalledPkt {
		t.Errorf("expected dfuERROR errSTALLEDPKT, got %s (%s)", st.State, st.Status)
	}
}

func TestDigestMismatchKeepsApplication(t *testing.T) {
	r := newRig(t)
	imgA := testImage(1536)

	if st := r.download(withTrailer(imgA), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("install failed: %s (%s)", st.State, st.Status)
	}

	gen, err := r.sel.Read()

	if err != nil {
		t.Fatal(err)
	}

	// reboot into the bootloader and attempt an image with a bad digest
	r.restart()

	imgB := testImage(1200)
	bad := withTrailer(imgB)
	bad[len(bad)-1] ^= 0x01

	st := r.download(bad, 512)

	if st.State != api.DFUError || st.Status != api.ErrFile {
		t.Fatalf("expected dfuERROR errFILE, got %s (%s)", st.State, st.Status)
	}

	// the previous image is untouched and still selected
	r.checkInstalled(imgA)

	cur, err := r.sel.Read()

	if err != nil || cur.Generation != gen.Generation {
		t.Errorf("boot selector changed by the failed session")
	}

	// CLRSTATUS recovers the session
	if _, err := r.request(api.CLRSTATUS, 0, nil, 0); err != nil {
		t.Fatalf("CLRSTATUS stalled")
	}

	if r.m.State() != api.DFUIdle {
		t.Fatalf("CLRSTATUS left the machine in %s", r.m.State())
	}

	if st := r.download(withTrailer(imgB), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("retry failed: %s (%s)", st.State, st.Status)
	}

	r.checkInstalled(imgB)
}

func TestSizeMismatch(t *testing.T) {
	r := newRig(t)
	img := testImage(1000)

	stream := withTrailer(img)

	// declare one byte more than staged
	stream[len(stream)-image.TrailerSize] = byte(1001 & 0xff)
	stream[len(stream)-image.TrailerSize+1] = byte(1001 >> 8)

	st := r.download(stream, 512)

	if st.State != api.DFUError || st.Status != api.ErrNotDone {
		t.Fatalf("expected dfuERROR errNOTDONE, got %s (%s)", st.State, st.Status)
	}
}

func TestOutOfOrderBlock(t *testing.T) {
	r := newRig(t)

	r.dnload(0, testImage(512))

	if st := r.settle(); st.State != api.DFUDnloadIdle {
		t.Fatalf("first block not accepted: %s", st.State)
	}

	// skipping a block number is detected and acknowledged, the status is
	// retrieved through GETSTATUS
	r.dnload(2, testImage(512))

	if st := r.status(); st.State != api.DFUError || st.Status != api.ErrAddress {
		t.Fatalf("expected dfuERROR errADDRESS, got %s (%s)", st.State, st.Status)
	}
}

func TestAbortDiscardsSession(t *testing.T) {
	r := newRig(t)

	r.dnload(7, testImage(512))

	if st := r.settle(); st.State != api.DFUDnloadIdle {
		t.Fatalf("block not accepted: %s", st.State)
	}

	if _, err := r.request(api.ABORT, 0, nil, 0); err != nil {
		t.Fatalf("ABORT stalled")
	}

	if r.m.State() != api.DFUIdle {
		t.Fatalf("ABORT left the machine in %s", r.m.State())
	}

	// a fresh session starts over with its own base block number
	img := testImage(1536)

	if st := r.download(withTrailer(img), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("session after abort failed: %s (%s)", st.State, st.Status)
	}

	r.checkInstalled(img)
}

func TestIllegalRequestRecovery(t *testing.T) {
	r := newRig(t)

	// CLRSTATUS is not valid in dfuIDLE
	if _, err := r.request(api.CLRSTATUS, 0, nil, 0); !errors.Is(err, api.ErrStall) {
		t.Fatalf("illegal request accepted: %v", err)
	}

	st := r.status()

	if st.State != api.DFUError || st.Status != api.ErrStalledPkt {
		t.Fatalf("expected dfuERROR errSTALLEDPKT, got %s (%s)", st.State, st.Status)
	}

	// unknown requests in dfuERROR are rejected without clobbering the code
	if _, err := r.request(api.DNLOAD, 0, testImage(16), 16); !errors.Is(err, api.ErrStall) {
		t.Fatalf("DNLOAD accepted in dfuERROR: %v", err)
	}

	if st := r.status(); st.Status != api.ErrStalledPkt {
		t.Fatalf("status clobbered to %s", st.Status)
	}

	if _, err := r.request(api.CLRSTATUS, 0, nil, 0); err != nil {
		t.Fatalf("CLRSTATUS stalled")
	}

	if r.m.State() != api.DFUIdle {
		t.Fatalf("CLRSTATUS left the machine in %s", r.m.State())
	}
}

func TestUpload(t *testing.T) {
	r := newRig(t)
	img := testImage(1536)

	if st := r.download(withTrailer(img), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("install failed: %s (%s)", st.State, st.Status)
	}

	r.restart()

	var got []byte

	for {
		in, err := r.request(api.UPLOAD, 0, nil, 512)

		if err != nil {
			t.Fatalf("UPLOAD stalled")
		}

		got = append(got, in...)

		if len(in) < 512 {
			break
		}
	}

	if !bytes.Equal(got, img) {
		t.Errorf("upload returned %d bytes that do not match the installed image", len(got))
	}

	if r.m.State() != api.DFUIdle {
		t.Errorf("short upload frame left the machine in %s", r.m.State())
	}
}

func TestUploadBlankDevice(t *testing.T) {
	r := newRig(t)

	in, err := r.request(api.UPLOAD, 0, nil, 512)

	if err != nil {
		t.Fatalf("UPLOAD stalled")
	}

	if len(in) != 0 {
		t.Errorf("blank device uploaded %d bytes", len(in))
	}

	if r.m.State() != api.DFUIdle {
		t.Errorf("empty upload left the machine in %s", r.m.State())
	}
}

func TestPowerLossMidDownloadKeepsApplication(t *testing.T) {
	r := newRig(t)
	imgA := testImage(1536)

	if st := r.download(withTrailer(imgA), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("install failed: %s (%s)", st.State, st.Status)
	}

	r.restart()

	// a new download dies before manifestation
	r.dnload(0, testImage(512))

	if st := r.settle(); st.State != api.DFUDnloadIdle {
		t.Fatalf("block not accepted: %s", st.State)
	}

	// power cycle: staged pages are discarded with the session, the
	// installed image and the selector are untouched
	r.restart()

	if r.m.State() != api.DFUIdle {
		t.Errorf("device restarts in %s", r.m.State())
	}

	r.checkInstalled(imgA)
}

func TestFirmwareInvalidAtBoot(t *testing.T) {
	r := newRig(t)

	// selector claims an application on an otherwise blank device
	if err := r.sel.Write(boot.Application); err != nil {
		t.Fatal(err)
	}

	r.restart()

	if r.m.State() != api.DFUError {
		t.Fatalf("invalid firmware boots to %s", r.m.State())
	}

	if st := r.status(); st.Status != api.ErrFirmware {
		t.Fatalf("expected errFIRMWARE, got %s", st.Status)
	}

	// recovery: clear the error and install an image
	if _, err := r.request(api.CLRSTATUS, 0, nil, 0); err != nil {
		t.Fatalf("CLRSTATUS stalled")
	}

	img := testImage(800)

	if st := r.download(withTrailer(img), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("recovery install failed: %s (%s)", st.State, st.Status)
	}

	r.checkInstalled(img)
}

func TestBusResetDiscardsSession(t *testing.T) {
	r := newRig(t)

	r.dnload(0, testImage(512))

	if st := r.settle(); st.State != api.DFUDnloadIdle {
		t.Fatalf("block not accepted: %s", st.State)
	}

	r.m.Reset()

	if r.m.State() != api.DFUIdle {
		t.Fatalf("bus reset left the machine in %s", r.m.State())
	}

	img := testImage(1024)

	if st := r.download(withTrailer(img), 512); st.State != api.DFUManifestWaitReset {
		t.Fatalf("session after bus reset failed: %s (%s)", st.State, st.Status)
	}

	r.checkInstalled(img)
}
