// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build armory
// +build armory

// dfu-armory is the USB armory Mk II application-side firmware: it
// validates the installed image, exposes the run-time DFU interface and
// re-enters the bootloader through the boot selector when a host requests
// detach.
package main

import (
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/f-secure-foundry/tamago/soc/imx6"
	"github.com/f-secure-foundry/tamago/soc/imx6/usb"

	usbarmory "github.com/f-secure-foundry/tamago/board/f-secure/usbarmory/mark-two"

	"github.com/ithinuel/usbd-dfu/internal/board/armory"
	"github.com/ithinuel/usbd-dfu/internal/boot"
	"github.com/ithinuel/usbd-dfu/internal/dfu"
	"github.com/ithinuel/usbd-dfu/internal/image"
)

func init() {
	if err := imx6.SetARMFreq(900); err != nil {
		panic(fmt.Sprintf("WARNING: error setting ARM frequency: %v\n", err))
	}

	log.SetFlags(0)
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	b, err := armory.New()

	if err != nil {
		log.Fatal(err)
	}

	sel, err := boot.NewSelector(b.Selector())

	if err != nil {
		log.Fatal(err)
	}

	if sel.Boot() != boot.Application {
		// the bootloader owns the device, nothing to run here
		log.Fatal("boot selector does not reference the application")
	}

	t, err := image.LoadManifest(b.Manifest())

	if err != nil {
		log.Fatal(err)
	}

	if err = image.Check(b.Slot(), t, image.SHA256); err != nil {
		log.Fatal(err)
	}

	log.Printf("running image, %d bytes", t.Size)
	usbarmory.LED("white", true)

	rt, err := dfu.NewRuntime(dfu.RuntimeConfig{
		Capabilities: b.Geometry().Capabilities,
		Selector:     sel,
		Reset:        b.Reset,
	})

	if err != nil {
		log.Fatal(err)
	}

	device := armory.ConfigureUSB(rt)

	usb.USB1.Init()
	usb.USB1.DeviceMode()
	usb.USB1.Reset()

	go heartbeat()

	usb.USB1.Start(device)
}

func heartbeat() {
	var on bool

	for {
		on = !on
		usbarmory.LED("blue", on)

		runtime.Gosched()
		time.Sleep(time.Second)
	}
}
