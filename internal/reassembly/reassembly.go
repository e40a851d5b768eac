// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reassembly buffers host download blocks into flash-page-aligned
// chunks.
//
// DFU hosts choose their own block size, which may be smaller or larger
// than, and unaligned to, the target flash page size. The reassembler
// accepts blocks in strict sequence, withholds the trailing metadata record
// from staging, and emits full pages in final image order for the
// programming sequencer to commit.
package reassembly

import (
	"errors"
	"fmt"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

// Page is a flash-page-aligned chunk of the staged image ready for commit.
type Page struct {
	// page index within the application slot
	Index int
	// full page contents, padded with the erased fill value at flush
	Data []byte
	// valid image bytes within Data, equal to the page size except for a
	// padded final page
	N int
}

// SequenceError reports a download block received out of order. DFU requires
// strict sequential delivery.
type SequenceError struct {
	Expected uint16
	Got      uint16
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("out-of-order block %d, expected %d", e.Got, e.Expected)
}

func (e *SequenceError) Status() api.Status { return api.ErrAddress }

// OverrunError reports a transfer exceeding the application slot capacity.
type OverrunError struct {
	Limit int
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("staged image exceeds slot capacity of %d bytes", e.Limit)
}

func (e *OverrunError) Status() api.Status { return api.ErrAddress }

// IncompleteError reports an end-of-transfer received before even the
// trailing metadata record arrived.
type IncompleteError struct {
	Received int
	Min      int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("transfer ended after %d bytes, expected at least %d", e.Received, e.Min)
}

func (e *IncompleteError) Status() api.Status { return api.ErrNotDone }

// Reassembler accumulates download blocks into page-sized chunks. The last
// holdback bytes of the stream are withheld from staging so that, at
// end-of-transfer, they form the metadata record and the staged bytes are
// exactly the image bytes.
type Reassembler struct {
	pageSize int
	limit    int
	holdback int

	started bool
	flushed bool
	next    uint16

	carry []byte
	page  []byte
	pages []Page

	emitted int
	total   int
}

// New returns a reassembler for the given page size, staging at most limit
// image bytes and withholding the final holdback bytes of the stream.
func New(pageSize, limit, holdback int) *Reassembler {
	return &Reassembler{
		pageSize: pageSize,
		limit:    limit,
		holdback: holdback,
		carry:    make([]byte, 0, holdback),
		page:     make([]byte, 0, pageSize),
	}
}

// Write accepts one download block. The first block of a session fixes the
// base block number, every following block must increment it by exactly one
// (wrapping at 65535).
func (r *Reassembler) Write(block uint16, p []byte) error {
	if r.flushed {
		return errors.New("write after end of transfer")
	}

	if !r.started {
		r.started = true
		r.next = block
	}

	if block != r.next {
		return &SequenceError{Expected: r.next, Got: block}
	}

	r.next++
	r.total += len(p)

	r.carry = append(r.carry, p...)

	if release := len(r.carry) - r.holdback; release > 0 {
		if err := r.stage(r.carry[:release]); err != nil {
			return err
		}

		r.carry = append(r.carry[:0], r.carry[release:]...)
	}

	return nil
}

func (r *Reassembler) stage(p []byte) error {
	if r.emitted+len(r.page)+len(p) > r.limit {
		return &OverrunError{Limit: r.limit}
	}

	for len(p) > 0 {
		n := r.pageSize - len(r.page)

		if n > len(p) {
			n = len(p)
		}

		r.page = append(r.page, p[:n]...)
		p = p[n:]

		if len(r.page) == r.pageSize {
			r.emit(r.pageSize)
		}
	}

	return nil
}

func (r *Reassembler) emit(n int) {
	data := make([]byte, r.pageSize)
	copy(data, r.page)

	for i := len(r.page); i < r.pageSize; i++ {
		data[i] = flash.ErasedByte
	}

	r.pages = append(r.pages, Page{
		Index: r.emitted / r.pageSize,
		Data:  data,
		N:     n,
	})

	r.emitted += r.pageSize
	r.page = r.page[:0]
}

// Flush ends the transfer: the withheld stream tail is returned as the raw
// metadata record and any final partial page is padded with the erased fill
// value and queued for commit.
func (r *Reassembler) Flush() (trailer []byte, err error) {
	if r.flushed {
		return nil, errors.New("transfer already ended")
	}

	if r.total < r.holdback {
		return nil, &IncompleteError{Received: r.total, Min: r.holdback}
	}

	r.flushed = true

	if len(r.page) > 0 {
		r.emit(len(r.page))
	}

	return r.carry, nil
}

// Pending reports whether completed pages await commit.
func (r *Reassembler) Pending() bool {
	return len(r.pages) > 0
}

// Next returns the oldest completed page without removing it, commit
// completion removes it with Pop. This keeps the page available for an
// idempotent commit retry.
func (r *Reassembler) Next() (Page, bool) {
	if len(r.pages) == 0 {
		return Page{}, false
	}

	return r.pages[0], true
}

// Pop removes the oldest completed page after its commit succeeded.
func (r *Reassembler) Pop() {
	if len(r.pages) > 0 {
		r.pages = r.pages[1:]
	}
}

// Received returns the total bytes accepted so far, metadata included.
func (r *Reassembler) Received() int {
	return r.total
}

// Reset discards all session state.
func (r *Reassembler) Reset() {
	r.started = false
	r.flushed = false
	r.next = 0
	r.carry = r.carry[:0]
	r.page = r.page[:0]
	r.pages = nil
	r.emitted = 0
	r.total = 0
}
