// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reassembly

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/flash"
)

const holdback = 36

func stream(n int) []byte {
	buf := make([]byte, n)

	for i := range buf {
		buf[i] = byte(i)
	}

	return buf
}

// feed writes the whole stream in fixed-size blocks starting at base.
func feed(t *testing.T, r *Reassembler, base uint16, p []byte, chunk int) {
	t.Helper()

	block := base

	for off := 0; off < len(p); off += chunk {
		end := off + chunk

		if end > len(p) {
			end = len(p)
		}

		if err := r.Write(block, p[off:end]); err != nil {
			t.Fatalf("Write block %d: %v", block, err)
		}

		block++
	}
}

// drain pops all completed pages and returns the staged bytes they carry.
func drain(r *Reassembler) (staged []byte, pages []Page) {
	for {
		p, ok := r.Next()

		if !ok {
			return
		}

		staged = append(staged, p.Data[:p.N]...)
		pages = append(pages, p)
		r.Pop()
	}
}

func TestReassembly(t *testing.T) {
	// image sizes unaligned and aligned to the page, block sizes smaller
	// than, equal to and straddling the page
	for _, tc := range []struct {
		name  string
		image int
		chunk int
	}{
		{"tiny blocks", 1000, 7},
		{"page sized blocks", 1024, 128},
		{"straddling blocks", 1000, 200},
		{"oversized blocks", 900, 512},
		{"single block", 100, 200},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := New(128, 4096, holdback)

			img := stream(tc.image)
			tail := bytes.Repeat([]byte{0xaa}, holdback)

			feed(t, r, 0, append(append([]byte{}, img...), tail...), tc.chunk)

			trailer, err := r.Flush()

			if err != nil {
				t.Fatalf("Flush: %v", err)
			}

			if !bytes.Equal(trailer, tail) {
				t.Errorf("withheld tail does not match the trailing record")
			}

			staged, pages := drain(r)

			if !bytes.Equal(staged, img) {
				t.Errorf("staged bytes do not match the image")
			}

			for i, p := range pages {
				if p.Index != i {
					t.Errorf("page %d emitted with index %d", i, p.Index)
				}

				// pad bytes beyond N must read as erased flash
				for _, b := range p.Data[p.N:] {
					if b != flash.ErasedByte {
						t.Errorf("page %d pad byte not erased", i)
						break
					}
				}
			}
		})
	}
}

func TestReassemblyBlockNumbering(t *testing.T) {
	r := New(64, 1024, holdback)

	// the first block fixes the base, numbering wraps at 65535
	if err := r.Write(65534, stream(64)); err != nil {
		t.Fatal(err)
	}

	if err := r.Write(65535, stream(64)); err != nil {
		t.Fatal(err)
	}

	if err := r.Write(0, stream(64)); err != nil {
		t.Fatal(err)
	}

	err := r.Write(2, stream(64))

	var se *SequenceError

	if !errors.As(err, &se) {
		t.Fatalf("expected SequenceError, got %v", err)
	}

	if diff := cmp.Diff(&SequenceError{Expected: 1, Got: 2}, se); diff != "" {
		t.Errorf("unexpected sequence error (-want +got):\n%s", diff)
	}

	if se.Status() != api.ErrAddress {
		t.Errorf("SequenceError maps to %v, expected errADDRESS", se.Status())
	}
}

func TestReassemblyOverrun(t *testing.T) {
	r := New(64, 128, holdback)

	err := r.Write(0, stream(128+holdback+1))

	var oe *OverrunError

	if !errors.As(err, &oe) {
		t.Fatalf("expected OverrunError, got %v", err)
	}

	if oe.Status() != api.ErrAddress {
		t.Errorf("OverrunError maps to %v, expected errADDRESS", oe.Status())
	}
}

func TestReassemblyIncomplete(t *testing.T) {
	r := New(64, 1024, holdback)

	if err := r.Write(0, stream(10)); err != nil {
		t.Fatal(err)
	}

	_, err := r.Flush()

	var ie *IncompleteError

	if !errors.As(err, &ie) {
		t.Fatalf("expected IncompleteError, got %v", err)
	}

	if ie.Status() != api.ErrNotDone {
		t.Errorf("IncompleteError maps to %v, expected errNOTDONE", ie.Status())
	}
}

func TestReassemblyReset(t *testing.T) {
	r := New(64, 1024, holdback)

	feed(t, r, 5, stream(200), 50)
	r.Reset()

	if r.Pending() || r.Received() != 0 {
		t.Fatalf("state survived Reset")
	}

	// a new session fixes a new base block number
	if err := r.Write(9, stream(holdback)); err != nil {
		t.Fatalf("Write after Reset: %v", err)
	}

	trailer, err := r.Flush()

	if err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// an empty image is just the trailing record
	if len(trailer) != holdback || r.Pending() {
		t.Errorf("empty transfer staged %d pending pages", len(trailer))
	}
}
