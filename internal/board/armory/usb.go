// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build armory
// +build armory

package armory

import (
	"encoding/hex"
	"strings"

	"github.com/f-secure-foundry/tamago/soc/imx6"
	"github.com/f-secure-foundry/tamago/soc/imx6/usb"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/dfu"
)

// ConfigureUSB builds the device tree exposing the run-time DFU interface
// next to the application: no endpoints, the class requests travel over the
// control pipe and land in the runtime machine.
func ConfigureUSB(rt *dfu.Runtime) (device *usb.Device) {
	glue := &usbGlue{rt: rt}

	device = &usb.Device{
		Setup: glue.setup,
	}

	// Supported Language Code Zero: English
	device.SetLanguageCodes([]uint16{0x0409})

	// device descriptor
	device.Descriptor = &usb.DeviceDescriptor{}
	device.Descriptor.SetDefaults()

	// https://pid.codes
	device.Descriptor.VendorId = 0x1209
	device.Descriptor.ProductId = 0x0001

	device.Descriptor.Device = 0x0001

	iManufacturer, _ := device.AddString(`usbd-dfu`)
	device.Descriptor.Manufacturer = iManufacturer

	iProduct, _ := device.AddString(`USB armory Mk II`)
	device.Descriptor.Product = iProduct

	// the NXP Unique ID converted to [0-9A-F]{12,}
	uid := imx6.UniqueID()
	serial := strings.ToUpper(hex.EncodeToString(uid[:]))

	iSerial, _ := device.AddString(serial)
	device.Descriptor.SerialNumber = iSerial

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	device.AddConfiguration(conf)

	// device qualifier
	device.Qualifier = &usb.DeviceQualifierDescriptor{}
	device.Qualifier.SetDefaults()
	device.Qualifier.NumConfigurations = uint8(len(device.Configurations))

	// run-time DFU interface
	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.NumEndpoints = 0
	iface.InterfaceClass = api.Class
	iface.InterfaceSubClass = api.SubClass
	iface.InterfaceProtocol = api.RuntimeProtocol

	iInterface, _ := device.AddString(`Firmware update`)
	iface.Interface = iInterface

	caps := rt.Capabilities()
	iface.ClassDescriptors = append(iface.ClassDescriptors, caps.FunctionalDescriptor())

	device.Configurations[0].AddInterface(iface)

	return
}

type usbGlue struct {
	rt *dfu.Runtime
}

// setup forwards DFU class requests on the control pipe to the runtime
// machine, every other request is left to the stack.
func (g *usbGlue) setup(setup *usb.SetupData) (in []byte, ack bool, done bool, err error) {
	if setup.RequestType&0x7f != api.RequestOut&0x7f {
		return
	}

	if setup.Request > api.ABORT {
		return
	}

	in, err = g.rt.Request(&api.Setup{
		RequestType: setup.RequestType,
		Request:     setup.Request,
		Value:       setup.Value,
		Index:       setup.Index,
		Length:      setup.Length,
	}, nil)

	if err != nil {
		return nil, false, false, err
	}

	ack = len(in) == 0

	return
}
