// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dfu implements the DFU class protocol state machines: Mode drives
// a bootloader-side download-and-manifest session, Runtime exposes the
// application-side re-entry trigger.
//
// Both machines are single threaded and never block the control endpoint:
// long operations (flash erase/program, manifestation) are advanced by the
// owning loop through Poll, while the protocol layer reports poll timeouts
// the host honors before re-polling.
package dfu

import (
	"errors"
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/boot"
	"github.com/ithinuel/usbd-dfu/internal/flash"
	"github.com/ithinuel/usbd-dfu/internal/image"
	"github.com/ithinuel/usbd-dfu/internal/reassembly"
)

type manifestPhase int

const (
	manifestNone manifestPhase = iota
	// drain remaining staged page commits, including the padded final page
	manifestCommit
	// finalize and check digest and declared size
	manifestVerify
	// copy the verified staged image into the application slot
	manifestInstall
	// persist the manifest record next to the installed image
	manifestStore
	// point the boot selector at the new image
	manifestSelect
	manifestDone
)

// ModeConfig carries the per-target capabilities the DFU mode machine runs
// against, selected at build configuration.
type ModeConfig struct {
	Capabilities api.Capabilities

	// bwPollTimeout bounding the target's worst-case page erase+program
	// latency, milliseconds
	PollTimeout uint32

	// application image slot
	Slot flash.Driver
	// staging area for the incoming image, same size as the slot
	Staging flash.Driver
	// manifest record region
	Manifest flash.Driver
	// boot selector
	Selector *boot.Selector
	// digest engine, SHA-256 when nil
	Engine image.Engine
}

// Mode is the bootloader-side DFU protocol state machine. It consumes class
// control requests, drives the reassembler, the programming sequencer and
// the verifier, and assembles the replies handed back to the USB stack.
type Mode struct {
	caps        api.Capabilities
	pollTimeout uint32

	slot    flash.Driver
	staging flash.Driver
	man     flash.Driver
	sel     *boot.Selector
	engine  image.Engine

	reasm   *reassembly.Reassembler
	seq     *flash.Sequencer
	slotSeq *flash.Sequencer
	manSeq  *flash.Sequencer
	ver     *image.Verifier

	state     api.State
	status    api.Status
	remaining uint32

	phase   manifestPhase
	trailer *image.Trailer

	copyPage  int
	copyPages int

	uploadOff int
	uploadLen int
}

// NewMode builds the machine for a target. The installed firmware is probed
// against the persisted manifest record: a device whose selector references
// the application but whose image no longer verifies starts in
// dfuERROR(errFIRMWARE), a blank device starts in dfuIDLE.
func NewMode(cfg ModeConfig) (*Mode, error) {
	if cfg.Slot == nil || cfg.Staging == nil || cfg.Manifest == nil || cfg.Selector == nil {
		return nil, errors.New("slot, staging, manifest and selector are required")
	}

	if flash.Size(cfg.Staging) < flash.Size(cfg.Slot) {
		return nil, errors.New("staging area smaller than the slot")
	}

	if cfg.Capabilities.TransferSize == 0 {
		return nil, errors.New("transfer size is required")
	}

	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 1
	}

	if cfg.Engine == nil {
		cfg.Engine = image.SHA256
	}

	m := &Mode{
		caps:        cfg.Capabilities,
		pollTimeout: cfg.PollTimeout,
		slot:        cfg.Slot,
		staging:     cfg.Staging,
		man:         cfg.Manifest,
		sel:         cfg.Selector,
		engine:      cfg.Engine,
		seq:         flash.NewSequencer(cfg.Staging),
		slotSeq:     flash.NewSequencer(cfg.Slot),
		manSeq:      flash.NewSequencer(cfg.Manifest),
		ver:         image.NewVerifier(cfg.Engine),
		state:       api.DFUIdle,
	}

	m.reasm = reassembly.New(cfg.Staging.PageSize(), flash.Size(cfg.Slot), image.TrailerSize)

	if !m.firmwareValid() {
		m.state = api.DFUError
		m.status = api.ErrFirmware
	}

	return m, nil
}

// firmwareValid re-checks the installed image against the manifest record.
// A device without a manifest is only valid while the selector does not
// reference the application.
func (m *Mode) firmwareValid() bool {
	t, err := image.LoadManifest(m.man)

	if err != nil {
		return m.sel.Boot() == boot.Bootloader
	}

	return image.Check(m.slot, t, m.engine) == nil
}

// State returns the current bState value.
func (m *Mode) State() api.State {
	return m.state
}

// Status returns the current bStatus value.
func (m *Mode) Status() api.Status {
	return m.status
}

// Capabilities returns the target's DFU attributes.
func (m *Mode) Capabilities() api.Capabilities {
	return m.caps
}

// Request handles one DFU class control request. The returned payload is
// the IN data for device-to-host requests, api.ErrStall instructs the
// transport to stall the control pipe.
func (m *Mode) Request(setup *api.Setup, data []byte) (in []byte, err error) {
	switch m.state {
	case api.DFUIdle:
		return m.idle(setup, data)
	case api.DFUDnloadSync:
		return m.dnloadSync(setup)
	case api.DFUDnBusy, api.DFUManifest:
		return m.busy(setup)
	case api.DFUDnloadIdle:
		return m.dnloadIdle(setup, data)
	case api.DFUManifestSync:
		return m.manifestSync(setup)
	case api.DFUManifestWaitReset:
		return m.waitReset(setup)
	case api.DFUUploadIdle:
		return m.uploadIdle(setup)
	case api.DFUError:
		return m.errorState(setup)
	}

	return nil, m.stall()
}

// Poll advances any in-flight flash or manifestation operation, elapsed is
// the time in milliseconds since the previous call. Ideally the driving
// loop calls it once every millisecond.
func (m *Mode) Poll(elapsed uint32) {
	switch m.state {
	case api.DFUDnBusy:
		m.advanceCommit()

		if m.state != api.DFUDnBusy {
			return
		}

		m.countdown(elapsed)

		if m.remaining == 0 && !m.commitPending() {
			m.state = api.DFUDnloadSync
		}
	case api.DFUManifest:
		m.advanceManifest()

		if m.state != api.DFUManifest {
			return
		}

		m.countdown(elapsed)

		if m.remaining == 0 && m.phase == manifestDone {
			if m.caps.ManifestationTolerant {
				m.state = api.DFUManifestSync
			} else {
				m.state = api.DFUManifestWaitReset
			}
		}
	}
}

// Reset handles a USB bus reset: an in-flight page commit is allowed to
// complete, then the session is discarded and the machine returns to its
// initial state.
func (m *Mode) Reset() {
	m.seq.Drain()
	m.resetSession()

	m.status = api.OK
	m.state = api.DFUIdle

	if !m.firmwareValid() {
		m.state = api.DFUError
		m.status = api.ErrFirmware
	}
}

func (m *Mode) countdown(elapsed uint32) {
	if m.remaining > elapsed {
		m.remaining -= elapsed
	} else {
		m.remaining = 0
	}
}

func (m *Mode) idle(setup *api.Setup, data []byte) (in []byte, err error) {
	switch setup.Request {
	case api.DNLOAD:
		if !m.caps.CanDownload || len(data) == 0 {
			return nil, m.stall()
		}

		return nil, m.download(setup, data)
	case api.UPLOAD:
		if !m.caps.CanUpload {
			return nil, m.stall()
		}

		m.beginUpload()

		return m.upload(setup)
	case api.GETSTATUS:
		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	case api.ABORT:
		m.resetSession()
		return
	}

	return nil, m.stall()
}

func (m *Mode) dnloadSync(setup *api.Setup) (in []byte, err error) {
	switch setup.Request {
	case api.GETSTATUS:
		if m.commitPending() {
			m.startCommit()
			m.state = api.DFUDnBusy
			m.remaining = m.pollTimeout

			return m.statusReply(m.pollTimeout), nil
		}

		m.state = api.DFUDnloadIdle

		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	}

	return nil, m.stall()
}

// busy covers dfuDNBUSY and dfuMANIFEST: only GETSTATUS is serviced, with
// the remaining poll window, until the underlying operation completes.
func (m *Mode) busy(setup *api.Setup) (in []byte, err error) {
	if setup.Request != api.GETSTATUS {
		return nil, m.stall()
	}

	if m.remaining == 0 {
		// host polled after the window with work still pending, re-arm
		m.remaining = m.pollTimeout
	}

	return m.statusReply(m.remaining), nil
}

func (m *Mode) dnloadIdle(setup *api.Setup, data []byte) (in []byte, err error) {
	switch setup.Request {
	case api.DNLOAD:
		if len(data) > 0 {
			return nil, m.download(setup, data)
		}

		trailer, ferr := m.reasm.Flush()

		if ferr != nil {
			return nil, m.fail(ferr)
		}

		t, ferr := image.ParseTrailer(trailer)

		if ferr != nil {
			return nil, m.fail(ferr)
		}

		m.trailer = t
		m.phase = manifestCommit
		m.state = api.DFUManifestSync

		return
	case api.GETSTATUS:
		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	case api.ABORT:
		m.resetSession()
		m.state = api.DFUIdle

		return
	}

	return nil, m.stall()
}

func (m *Mode) manifestSync(setup *api.Setup) (in []byte, err error) {
	switch setup.Request {
	case api.GETSTATUS:
		if m.phase == manifestDone {
			// manifestation-tolerant target re-arms for a new session
			m.resetSession()
			m.state = api.DFUIdle

			return m.statusReply(1), nil
		}

		m.state = api.DFUManifest
		m.remaining = m.pollTimeout

		return m.statusReply(m.pollTimeout), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	case api.ABORT:
		if m.phase == manifestCommit {
			// manifestation has not started, the session can still be
			// discarded
			m.resetSession()
			m.state = api.DFUIdle

			return
		}
	}

	return nil, m.stall()
}

// waitReset services status observers and ignores everything else, only a
// bus reset leaves this state.
func (m *Mode) waitReset(setup *api.Setup) (in []byte, err error) {
	switch setup.Request {
	case api.GETSTATUS:
		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	}

	return
}

func (m *Mode) uploadIdle(setup *api.Setup) (in []byte, err error) {
	switch setup.Request {
	case api.UPLOAD:
		return m.upload(setup)
	case api.GETSTATUS:
		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	case api.ABORT:
		m.resetSession()
		m.state = api.DFUIdle

		return
	}

	return nil, m.stall()
}

func (m *Mode) errorState(setup *api.Setup) (in []byte, err error) {
	switch setup.Request {
	case api.GETSTATUS:
		return m.statusReply(1), nil
	case api.GETSTATE:
		return m.stateReply(), nil
	case api.CLRSTATUS:
		m.resetSession()
		m.status = api.OK
		m.state = api.DFUIdle

		return
	}

	// reject without clobbering the reported status
	return nil, api.ErrStall
}

// download buffers one host block through the reassembler.
func (m *Mode) download(setup *api.Setup, data []byte) error {
	if len(data) > int(m.caps.TransferSize) {
		return m.stall()
	}

	m.state = api.DFUDnloadSync

	if err := m.reasm.Write(setup.Value, data); err != nil {
		return m.fail(err)
	}

	return nil
}

func (m *Mode) beginUpload() {
	m.uploadOff = 0
	m.uploadLen = 0

	if t, err := image.LoadManifest(m.man); err == nil {
		m.uploadLen = int(t.Size)
	}

	m.state = api.DFUUploadIdle
}

// upload serves the next chunk of the installed image, a short final chunk
// returns the machine to dfuIDLE.
func (m *Mode) upload(setup *api.Setup) (in []byte, err error) {
	n := int(setup.Length)

	if n > int(m.caps.TransferSize) {
		n = int(m.caps.TransferSize)
	}

	if remaining := m.uploadLen - m.uploadOff; n > remaining {
		n = remaining
	}

	in = make([]byte, n)

	if n > 0 {
		if rerr := m.slot.Read(m.uploadOff, in); rerr != nil {
			return nil, m.fail(rerr)
		}

		m.uploadOff += n
	}

	if n < int(setup.Length) {
		m.state = api.DFUIdle
	}

	return
}

func (m *Mode) commitPending() bool {
	return m.seq.Busy() || m.reasm.Pending()
}

// startCommit hands the oldest completed page to the sequencer. Re-issuing
// the same page is a no-op, which keeps retries after transient failures
// safe.
func (m *Mode) startCommit() {
	if m.seq.Busy() {
		return
	}

	p, ok := m.reasm.Next()

	if !ok {
		return
	}

	if err := m.seq.Begin(p.Index, p.Data); err != nil {
		m.failAsync(err)
	}
}

// advanceCommit performs at most one flash operation of the in-flight page
// commit, feeding the verifier and chaining the next page on completion.
func (m *Mode) advanceCommit() {
	if !m.seq.Busy() {
		m.startCommit()

		if !m.seq.Busy() {
			return
		}
	}

	done, err := m.seq.Step()

	if err != nil {
		m.failAsync(err)
		return
	}

	if !done {
		return
	}

	if p, ok := m.reasm.Next(); ok {
		m.ver.Write(p.Data[:p.N])
		m.reasm.Pop()
	}

	m.startCommit()
}

// advanceManifest performs at most one manifestation step. The slot is
// only rewritten after both verification checks pass on the staged bytes,
// and the boot selector is only touched once the image is installed and
// the manifest record persisted.
func (m *Mode) advanceManifest() {
	switch m.phase {
	case manifestCommit:
		if m.commitPending() {
			m.advanceCommit()
			return
		}

		m.phase = manifestVerify
	case manifestVerify:
		if err := m.ver.Verify(m.trailer); err != nil {
			m.failAsync(err)
			return
		}

		pageSize := m.staging.PageSize()

		m.copyPage = 0
		m.copyPages = (int(m.trailer.Size) + pageSize - 1) / pageSize
		m.phase = manifestInstall
	case manifestInstall:
		if m.slotSeq.Busy() {
			done, err := m.slotSeq.Step()

			if err != nil {
				m.failAsync(err)
				return
			}

			if done {
				m.copyPage++
			}

			return
		}

		if m.copyPage == m.copyPages {
			rec, err := image.EncodeManifest(m.trailer, m.man.PageSize())

			if err != nil {
				m.failAsync(err)
				return
			}

			if err := m.manSeq.Begin(0, rec); err != nil {
				m.failAsync(err)
				return
			}

			m.phase = manifestStore
			return
		}

		pageSize := m.staging.PageSize()
		buf := make([]byte, pageSize)

		if err := m.staging.Read(m.copyPage*pageSize, buf); err != nil {
			m.failAsync(err)
			return
		}

		if err := m.slotSeq.Begin(m.copyPage, buf); err != nil {
			m.failAsync(err)
		}
	case manifestStore:
		done, err := m.manSeq.Step()

		if err != nil {
			m.failAsync(err)
			return
		}

		if done {
			m.phase = manifestSelect
		}
	case manifestSelect:
		if err := m.sel.Write(boot.Application); err != nil {
			m.failAsync(err)
			return
		}

		m.phase = manifestDone
	}
}

func (m *Mode) resetSession() {
	m.seq.Drain()
	m.seq.Reset()
	m.slotSeq.Reset()
	m.manSeq.Reset()
	m.reasm.Reset()
	m.ver.Reset()

	m.phase = manifestNone
	m.trailer = nil
	m.remaining = 0
	m.copyPage = 0
	m.copyPages = 0
	m.uploadOff = 0
	m.uploadLen = 0
}

// stall rejects a request invalid in the current state.
func (m *Mode) stall() error {
	m.state = api.DFUError
	m.status = api.ErrStalledPkt

	return api.ErrStall
}

// fail transitions to dfuERROR with the status the error maps to. The
// request itself is still acknowledged, the host retrieves the code via
// GETSTATUS.
func (m *Mode) fail(err error) error {
	m.failAsync(err)
	return nil
}

func (m *Mode) failAsync(err error) {
	m.status = api.ErrUnknown

	var se api.StatusError

	if errors.As(err, &se) {
		m.status = se.Status()
	}

	m.state = api.DFUError
}

func (m *Mode) statusReply(pollTimeout uint32) []byte {
	d := &api.DeviceStatus{
		Status:      m.status,
		PollTimeout: pollTimeout,
		State:       m.state,
	}

	return d.Bytes()
}

func (m *Mode) stateReply() []byte {
	return []byte{uint8(m.state)}
}

func (m *Mode) String() string {
	return fmt.Sprintf("%s (%s)", m.state, m.status)
}
