// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package flash

import (
	"fmt"
	"os"
)

// FileDriver persists a simulated flash device to a file, so that the device
// simulator survives process restarts the way real flash survives a power
// cycle. Semantics match MemDriver.
type FileDriver struct {
	pageSize int
	numPages int
	f        *os.File
}

// OpenFileDriver opens or creates the backing file, sized and initialized to
// the erased state on first use.
func OpenFileDriver(path string, pageSize, numPages int) (*FileDriver, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)

	if err != nil {
		return nil, err
	}

	info, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	size := int64(pageSize * numPages)

	if info.Size() != size {
		if info.Size() != 0 {
			f.Close()
			return nil, fmt.Errorf("backing file size %d != %d", info.Size(), size)
		}

		blank := make([]byte, pageSize)

		for i := range blank {
			blank[i] = ErasedByte
		}

		for page := 0; page < numPages; page++ {
			if _, err = f.WriteAt(blank, int64(page*pageSize)); err != nil {
				f.Close()
				return nil, err
			}
		}
	}

	return &FileDriver{
		pageSize: pageSize,
		numPages: numPages,
		f:        f,
	}, nil
}

func (d *FileDriver) Close() error {
	return d.f.Close()
}

func (d *FileDriver) PageSize() int {
	return d.pageSize
}

func (d *FileDriver) NumPages() int {
	return d.numPages
}

func (d *FileDriver) Erase(page int) error {
	if page < 0 || page >= d.numPages {
		return fmt.Errorf("page %d out of range", page)
	}

	blank := make([]byte, d.pageSize)

	for i := range blank {
		blank[i] = ErasedByte
	}

	if _, err := d.f.WriteAt(blank, int64(page*d.pageSize)); err != nil {
		return err
	}

	return d.f.Sync()
}

func (d *FileDriver) Program(page int, buf []byte) error {
	if page < 0 || page >= d.numPages {
		return fmt.Errorf("page %d out of range", page)
	}

	if len(buf) > d.pageSize {
		return fmt.Errorf("buffer size %d exceeds page size %d", len(buf), d.pageSize)
	}

	cur := make([]byte, len(buf))

	if _, err := d.f.ReadAt(cur, int64(page*d.pageSize)); err != nil {
		return err
	}

	for i, b := range buf {
		cur[i] &= b
	}

	if _, err := d.f.WriteAt(cur, int64(page*d.pageSize)); err != nil {
		return err
	}

	return d.f.Sync()
}

func (d *FileDriver) Read(addr int, buf []byte) error {
	if addr < 0 || addr+len(buf) > d.pageSize*d.numPages {
		return fmt.Errorf("read out of range")
	}

	_, err := d.f.ReadAt(buf, int64(addr))

	return err
}
