// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// dfu-flash downloads a firmware image to a device exposing the DFU
// update interface, appending the integrity trailer the bootloader
// verifies before selecting the new image. A device enumerated in
// run-time mode is first detached into the bootloader.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	usb "github.com/google/gousb"

	"github.com/ithinuel/usbd-dfu/api"
)

type Config struct {
	vendor   uint
	product  uint
	busAddr  string
	input    string
	output   string
	chunk    uint
	detachMs uint
}

var conf *Config

func init() {
	conf = &Config{}

	flag.UintVar(&conf.vendor, "vid", 0x1209, "USB vendor ID")
	flag.UintVar(&conf.product, "pid", 0x0001, "USB product ID")
	flag.StringVar(&conf.busAddr, "a", "", "select device at BUS:DEV")
	flag.StringVar(&conf.input, "i", "", "image to download (.hex or raw binary)")
	flag.StringVar(&conf.output, "o", "", "upload the installed image to this file instead")
	flag.UintVar(&conf.chunk, "s", 1024, "bytes per DNLOAD/UPLOAD transfer")
	flag.UintVar(&conf.detachMs, "d", 1000, "wDetachTimeout for run-time detach, milliseconds")
}

// connect opens the DFU device, detaching it out of the application first
// when it enumerates in run-time mode. The re-enumeration after detach is
// waited out with exponential backoff.
func connect() (*Conn, error) {
	c, err := Connect(usb.ID(conf.vendor), usb.ID(conf.product), conf.busAddr)

	if err != nil {
		return nil, err
	}

	if !c.Runtime() {
		return c, nil
	}

	glog.Info("device in run-time mode, detaching")

	if err = c.Detach(uint16(conf.detachMs)); err != nil {
		c.Close()
		return nil, err
	}

	c.Reset()
	c.Close()

	reconnect := func() error {
		c, err = Connect(usb.ID(conf.vendor), usb.ID(conf.product), conf.busAddr)

		if err != nil {
			return err
		}

		if c.Runtime() {
			c.Close()
			return fmt.Errorf("device still in run-time mode")
		}

		return nil
	}

	err = backoff.Retry(reconnect, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8))

	return c, err
}

func download(c *Conn, img []byte) error {
	stream := append(append([]byte{}, img...), trailer(img).Bytes()...)
	chunk := int(conf.chunk)

	var block uint16

	for off := 0; off < len(stream); off += chunk {
		end := off + chunk

		if end > len(stream) {
			end = len(stream)
		}

		if err := c.Download(block, stream[off:end]); err != nil {
			return err
		}

		glog.V(1).Infof("block %d, %d/%d bytes", block, end, len(stream))
		block++
	}

	// end of transfer, the device verifies and installs the image
	if err := c.Download(block, nil); err != nil {
		return err
	}

	st, err := c.GetStatus()

	if err != nil {
		return err
	}

	glog.Infof("manifestation complete, state %q", st.State)

	if st.State == api.DFUManifestWaitReset {
		glog.Info("resetting device into the new image")
		c.Reset()
	}

	return nil
}

func upload(c *Conn) error {
	var buf []byte
	var block uint16

	for {
		p, err := c.Upload(block, int(conf.chunk))

		if err != nil {
			return err
		}

		buf = append(buf, p...)
		block++

		if len(p) < int(conf.chunk) {
			break
		}
	}

	glog.Infof("uploaded %d bytes", len(buf))

	return os.WriteFile(conf.output, buf, 0o644)
}

func main() {
	flag.Parse()
	defer glog.Flush()

	if (conf.input == "") == (conf.output == "") {
		glog.Exit("exactly one of -i (download) or -o (upload) is required")
	}

	c, err := connect()

	if err != nil {
		glog.Exit(err)
	}
	defer c.Close()

	// recover a device left in dfuERROR by a previous session
	st, err := c.GetStatus()

	if err != nil {
		glog.Exit(err)
	}

	if st.State == api.DFUError {
		glog.Infof("clearing previous error %q", st.Status)

		if err = c.ClrStatus(); err != nil {
			glog.Exit(err)
		}
	}

	start := time.Now()

	if conf.output != "" {
		err = upload(c)
	} else {
		var img []byte

		if img, err = loadInput(conf.input); err != nil {
			glog.Exit(err)
		}

		glog.Infof("downloading %d bytes", len(img))
		err = download(c, img)
	}

	if err != nil {
		glog.Exit(err)
	}

	glog.Infof("done in %v", time.Since(start).Round(time.Millisecond))
}
