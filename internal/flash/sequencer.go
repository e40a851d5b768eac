// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package flash

import (
	"bytes"
	"errors"
	"fmt"
)

// ErrBusy is returned by Begin while a different page commit is in flight.
var ErrBusy = errors.New("page commit in progress")

type seqState int

const (
	seqIdle seqState = iota
	seqBlankCheck
	seqErase
	seqCheckErased
	seqProgram
	seqVerify
	seqDone
)

// Sequencer commits pages to a Driver as a series of non-blocking steps:
// blank check, erase (skipped when the page already reads erased), program,
// read-back verify. A page is committed only once the read-back matches the
// intended bytes.
//
// The driving loop calls Step until it reports completion, each call performs
// at most one flash primitive so control traffic can be serviced between
// steps.
type Sequencer struct {
	drv Driver

	state seqState
	page  int
	buf   []byte
}

func NewSequencer(d Driver) *Sequencer {
	return &Sequencer{
		drv: d,
	}
}

// Begin starts the commit of buf, which must be exactly one page, to the
// given page. Re-issuing Begin for the same page with the same bytes is a
// no-op while that commit is in flight or already done, which makes retries
// after a transient failure safe.
func (s *Sequencer) Begin(page int, buf []byte) error {
	if len(buf) != s.drv.PageSize() {
		return fmt.Errorf("page buffer size %d != %d", len(buf), s.drv.PageSize())
	}

	if page < 0 || page >= s.drv.NumPages() {
		return &WriteError{Page: page, Err: errors.New("page out of range")}
	}

	if s.state != seqIdle && s.state != seqDone {
		if page == s.page && bytes.Equal(buf, s.buf) {
			return nil
		}

		return ErrBusy
	}

	if s.state == seqDone && page == s.page && bytes.Equal(buf, s.buf) {
		return nil
	}

	s.state = seqBlankCheck
	s.page = page
	s.buf = append(s.buf[:0], buf...)

	return nil
}

// Busy reports whether a commit is in flight.
func (s *Sequencer) Busy() bool {
	return s.state != seqIdle && s.state != seqDone
}

// Step advances an in-flight commit by one flash operation. It reports
// done=true once the page has been programmed and verified. A failed step
// aborts the commit and leaves the sequencer idle, a retry must go through
// Begin again.
func (s *Sequencer) Step() (done bool, err error) {
	defer func() {
		if err != nil {
			s.state = seqIdle
			s.buf = s.buf[:0]
		}
	}()

	switch s.state {
	case seqIdle:
		return false, errors.New("no page commit in progress")
	case seqBlankCheck:
		blank, err := Blank(s.drv, s.page)

		if err != nil {
			return false, &EraseError{Page: s.page, Err: err}
		}

		if blank {
			s.state = seqProgram
		} else {
			s.state = seqErase
		}
	case seqErase:
		if err := s.drv.Erase(s.page); err != nil {
			return false, &EraseError{Page: s.page, Err: err}
		}

		s.state = seqCheckErased
	case seqCheckErased:
		blank, err := Blank(s.drv, s.page)

		if err != nil {
			return false, &EraseError{Page: s.page, Err: err}
		}

		if !blank {
			return false, &CheckErasedError{Page: s.page}
		}

		s.state = seqProgram
	case seqProgram:
		if err := s.drv.Program(s.page, s.buf); err != nil {
			return false, &WriteError{Page: s.page, Err: err}
		}

		s.state = seqVerify
	case seqVerify:
		buf := make([]byte, s.drv.PageSize())

		if err := s.drv.Read(s.page*s.drv.PageSize(), buf); err != nil {
			return false, &WriteError{Page: s.page, Err: err}
		}

		if !bytes.Equal(buf, s.buf) {
			return false, &VerifyError{Page: s.page}
		}

		s.state = seqDone
	case seqDone:
	}

	return s.state == seqDone, nil
}

// Drain completes any in-flight commit synchronously. Flash operations are
// not safely interruptible, cancellation paths use Drain to leave the page in
// a defined state before tearing the session down.
func (s *Sequencer) Drain() error {
	for s.Busy() {
		if _, err := s.Step(); err != nil {
			return err
		}
	}

	return nil
}

// Reset discards the sequencer state. Any in-flight commit must be drained
// first.
func (s *Sequencer) Reset() {
	s.state = seqIdle
	s.buf = s.buf[:0]
}
