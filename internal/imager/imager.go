// Package imager locates the partclone-compatible imaging binary and
// parses its stderr progress stream into a typed event sequence.
package imager

import (
	"fmt"
	"os"
	"regexp"
)

// DD is the sentinel variant used when no filesystem-specific partclone
// binary is available; it performs a raw block copy.
const DD = "dd"

const envPartcloneCmd = "APART_PARTCLONE_CMD"

// probeLocations is the fixed, ordered list of absolute locations
// checked for a `partclone.dd` probe file when APART_PARTCLONE_CMD is
// not set.
var probeLocations = []string{
	"/usr/bin/partclone",
	"/usr/sbin/partclone",
	"/bin/partclone",
	"/sbin/partclone",
	"/usr/local/partclone",
	"/usr/local/bin/partclone",
	"/usr/local/sbin/partclone",
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func resolvePrefix() (string, bool) {
	if env, ok := os.LookupEnv(envPartcloneCmd); ok {
		return env, true
	}
	for _, p := range probeLocations {
		if fileExists(p + ".dd") {
			return p, true
		}
	}
	return "", false
}

// Resolve returns the path to the partclone binary for the given variant
// (e.g. "ext4", or the DD sentinel), failing if no prefix can be
// determined or the resulting path does not exist.
func Resolve(variant string) (string, error) {
	prefix, ok := resolvePrefix()
	if !ok {
		return "", fmt.Errorf("partclone not found on system")
	}

	path := prefix + "." + variant
	if !fileExists(path) {
		return "", fmt.Errorf("%s not found", path)
	}
	return path, nil
}

// imageNameRe captures the partclone variant out of an image file name
// of the form "<name>-YYYY-MM-DDTHHMM.apt.<variant>.<compression>".
var imageNameRe = regexp.MustCompile(`^.*/?[^/]+-\d{4,}-\d\d-\d\dT\d{4}\.apt\.(.+)\..+$`)

// VariantFromImageName recovers the partclone variant encoded in a
// stored image's file name.
func VariantFromImageName(filename string) (string, bool) {
	m := imageNameRe.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsValidImageName reports whether filename matches the image naming
// convention well enough to recover a variant from it.
func IsValidImageName(filename string) bool {
	_, ok := VariantFromImageName(filename)
	return ok
}
