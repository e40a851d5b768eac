// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package armory adapts the USB armory Mk II internal eMMC to the DFU core
// capability interface. It only builds for the armory target (build tag
// `armory`, GOOS=tamago).
package armory
