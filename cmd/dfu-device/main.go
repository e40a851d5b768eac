// Copyright (c) usbd-dfu contributors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// dfu-device runs the firmware update machinery against a simulated
// target: it power cycles the board, boots the selected target and, while
// in the bootloader, plays a full host download session in process. The
// flash contents can be backed by a file to observe persistence across
// invocations, and a power loss can be injected mid transfer to observe
// the fail safe behavior.
package main

import (
	"crypto/sha256"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"

	"github.com/ithinuel/usbd-dfu/api"
	"github.com/ithinuel/usbd-dfu/internal/board"
	"github.com/ithinuel/usbd-dfu/internal/boot"
	"github.com/ithinuel/usbd-dfu/internal/dfu"
	"github.com/ithinuel/usbd-dfu/internal/flash"
	"github.com/ithinuel/usbd-dfu/internal/image"
)

type Config struct {
	flashPath string
	imagePath string
	chunk     int
	powerCut  int
	cycles    int
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	conf = &Config{}

	flag.StringVar(&conf.flashPath, "f", "", "file backing the simulated flash (volatile when empty)")
	flag.StringVar(&conf.imagePath, "i", "", "raw image to install (generated when empty)")
	flag.IntVar(&conf.chunk, "s", 512, "host transfer chunk size")
	flag.IntVar(&conf.powerCut, "k", 0, "cut power after this many flash operations (0 disables)")
	flag.IntVar(&conf.cycles, "n", 8, "maximum number of power cycles")
}

func loadImage() ([]byte, error) {
	if conf.imagePath != "" {
		return os.ReadFile(conf.imagePath)
	}

	// deterministic placeholder application image
	img := make([]byte, 12*1024)
	rand.New(rand.NewSource(1)).Read(img)

	return img, nil
}

// armPowerCut fails the Nth flash operation from now, once.
func armPowerCut(mem *flash.MemDriver, n int) {
	if mem == nil || n <= 0 {
		return
	}

	cut := func() error {
		n--

		if n == 0 {
			return fmt.Errorf("power lost")
		}

		return nil
	}

	mem.EraseFault = func(page int) error { return cut() }
	mem.ProgramFault = func(page int, buf []byte) error { return cut() }
}

func disarmPowerCut(mem *flash.MemDriver) {
	if mem != nil {
		mem.EraseFault = nil
		mem.ProgramFault = nil
	}
}

func main() {
	flag.Parse()

	if conf.powerCut > 0 && conf.flashPath != "" {
		log.Fatal("power loss injection requires the in-memory flash")
	}

	img, err := loadImage()

	if err != nil {
		log.Fatal(err)
	}

	digest := sha256.Sum256(img)

	trailer := &image.Trailer{
		Size:   uint32(len(img)),
		Digest: digest,
	}

	b, mem, err := newBoard()

	if err != nil {
		log.Fatal(err)
	}

	armPowerCut(mem, conf.powerCut)

	for cycle := 0; cycle < conf.cycles; cycle++ {
		sel, err := boot.NewSelector(b.Selector())

		if err != nil {
			log.Fatal(err)
		}

		target := sel.Boot()
		log.Printf("cycle %d: booting %s", cycle, target)

		if target == boot.Application {
			if t, err := installed(b); err != nil {
				log.Printf("  image check failed, staying in bootloader: %v", err)
				target = boot.Bootloader
			} else if application(b, sel, t, trailer) {
				return
			}
		}

		if target == boot.Bootloader {
			bootloader(b, sel, img, trailer)
			disarmPowerCut(mem)
		}
	}

	log.Fatal("power cycle budget exhausted")
}

// installed probes the slot against the persisted manifest record.
func installed(b board.Board) (*image.Trailer, error) {
	t, err := image.LoadManifest(b.Manifest())

	if err != nil {
		return nil, err
	}

	if err := image.Check(b.Slot(), t, image.SHA256); err != nil {
		return nil, err
	}

	return t, nil
}

// application runs the installed image and, when it differs from the one
// to install, performs the runtime detach handshake to re-enter the
// bootloader. It returns true once the intended image runs.
func application(b board.Board, sel *boot.Selector, t, want *image.Trailer) bool {
	log.Printf("  application running, %d bytes", t.Size)

	if t.Digest == want.Digest {
		log.Printf("  intended image installed, done")
		return true
	}

	rt, err := dfu.NewRuntime(dfu.RuntimeConfig{
		Capabilities: b.Geometry().Capabilities,
		Selector:     sel,
		Reset:        b.Reset,
	})

	if err != nil {
		log.Fatal(err)
	}

	log.Printf("  requesting detach")

	if _, err = rt.Request(&api.Setup{
		RequestType: api.RequestOut,
		Request:     api.DETACH,
		Value:       1000,
	}, nil); err != nil {
		log.Fatal(err)
	}

	return false
}

// bootloader runs the DFU mode machine and drives a complete host session
// against it. A device side failure is logged and left for the next power
// cycle, which mirrors what a real host would observe.
func bootloader(b board.Board, sel *boot.Selector, img []byte, trailer *image.Trailer) {
	g := b.Geometry()

	m, err := dfu.NewMode(dfu.ModeConfig{
		Capabilities: g.Capabilities,
		PollTimeout:  g.PollTimeout,
		Slot:         b.Slot(),
		Staging:      b.Staging(),
		Manifest:     b.Manifest(),
		Selector:     sel,
	})

	if err != nil {
		log.Fatal(err)
	}

	log.Printf("  dfu mode, %s", m)

	if err := flashImage(m, img, trailer, conf.chunk); err != nil {
		log.Printf("  session failed: %v", err)
		return
	}

	log.Printf("  manifestation complete, resetting")
	b.Reset()
}
