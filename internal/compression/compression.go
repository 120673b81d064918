// Package compression enumerates the compressor/decompressor pairs apartd
// knows how to drive and reports which of them are actually installed.
package compression

import (
	"os/exec"

	"github.com/apartd/apartd/pkg/alog"
)

// Descriptor is an immutable compressor/decompressor pair. Name doubles
// as the canonical file-name extension for images written with it.
type Descriptor struct {
	Name      string
	Command   string
	WriteArgs []string
	ReadArgs  []string
}

var (
	PIGZ = Descriptor{
		Name:      "gz",
		Command:   "pigz",
		WriteArgs: []string{"-1c"},
		ReadArgs:  []string{"-dc"},
	}
	NONE = Descriptor{
		Name:      "uncompressed",
		Command:   "cat",
		WriteArgs: []string{"-"},
		ReadArgs:  []string{"-"},
	}
	ZSTD = Descriptor{
		Name:      "zst",
		Command:   "zstdmt",
		WriteArgs: []string{"-c"},
		ReadArgs:  []string{"-dc"},
	}
	LZ4 = Descriptor{
		Name:      "lz4",
		Command:   "lz4",
		WriteArgs: []string{"-c"},
		ReadArgs:  []string{"-dc"},
	}
)

// all holds the fixed preference order used by FromFileName and
// AllInstalled.
var all = []Descriptor{PIGZ, NONE, ZSTD, LZ4}

// legacyExt maps a deprecated file-name suffix to the descriptor it
// should resolve to.
var legacyExt = map[string]Descriptor{
	".zstd": ZSTD,
}

// Default returns the descriptor used when a request omits compression.
func Default() Descriptor {
	return PIGZ
}

// FromName looks up a descriptor by its exact name.
func FromName(name string) (Descriptor, bool) {
	for _, z := range all {
		if z.Name == name {
			return z, true
		}
	}
	return Descriptor{}, false
}

// FromFileName resolves the descriptor implied by an image file's
// extension, honoring the legacy ".zstd" alias for ZSTD.
func FromFileName(file string) (Descriptor, bool) {
	for _, z := range all {
		if len(file) > len(z.Name)+1 && file[len(file)-len(z.Name)-1:] == "."+z.Name {
			return z, true
		}
	}
	for ext, z := range legacyExt {
		if len(file) > len(ext) && file[len(file)-len(ext):] == ext {
			return z, true
		}
	}
	return Descriptor{}, false
}

// AllInstalled returns the subset of descriptors whose command answers
// `--version` successfully, preserving table order.
func AllInstalled() []Descriptor {
	var installed []Descriptor
	for _, z := range all {
		if z.isInstalled() {
			installed = append(installed, z)
		}
	}
	return installed
}

func (z Descriptor) isInstalled() bool {
	cmd := exec.Command(z.Command, "--version")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	err := cmd.Run()
	if err == nil {
		return true
	}

	if execErr, ok := err.(*exec.Error); ok && execErr.Err == exec.ErrNotFound {
		return false
	}

	alog.Warn("error checking if `%v` is installed: %v", z.Command, err)
	return false
}
