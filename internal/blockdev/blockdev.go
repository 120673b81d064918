// Package blockdev enumerates the block-device tree reported by lsblk (or
// whatever the APART_LSBLK_CMD environment variable points at) and
// answers fstype/uuid lookups against it.
package blockdev

import (
	"encoding/json"
	"os"
	"os/exec"
	"strconv"

	"github.com/apartd/apartd/pkg/alog"
)

const envLsblkCmd = "APART_LSBLK_CMD"

// Size parses from either a JSON integer or a digit-string, since lsblk's
// JSON output is inconsistent between versions.
type Size uint64

func (s *Size) UnmarshalJSON(b []byte) error {
	var n uint64
	if err := json.Unmarshal(b, &n); err == nil {
		*s = Size(n)
		return nil
	}

	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	n, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

// Device is one node of the block-device tree. Leaves with a FSType are
// partitions; Mounted reports whether Mountpoint is set.
type Device struct {
	Name       string   `json:"name"`
	Size       Size     `json:"size"`
	FSType     *string  `json:"fstype"`
	Label      *string  `json:"label"`
	Mountpoint *string  `json:"mountpoint"`
	UUID       *string  `json:"uuid"`
	Children   []Device `json:"children"`
}

// Mounted reports whether the device has a non-nil mountpoint.
func (d Device) Mounted() bool {
	return d.Mountpoint != nil
}

type listing struct {
	Blockdevices []Device `json:"blockdevices"`
}

func lsblkCmd() string {
	if cmd := os.Getenv(envLsblkCmd); cmd != "" {
		return cmd
	}
	return "lsblk"
}

// Blockdevices queries the configured lsblk-like tool and returns the
// parsed device tree. Failures of the underlying tool are returned to
// the caller; callers that only need a best-effort tree (e.g. to embed
// in a status message) should treat an error as an empty tree.
func Blockdevices() ([]Device, error) {
	cmd := exec.Command(lsblkCmd(), "-Jbo", "name,size,fstype,label,mountpoint,uuid")

	out, err := cmd.Output()
	if err != nil {
		alog.Warn("lsblk invocation failed: %v", err)
		return nil, err
	}

	var l listing
	if err := json.Unmarshal(out, &l); err != nil {
		alog.Warn("lsblk output invalid json: %v", err)
		return nil, err
	}

	return l.Blockdevices, nil
}

func find(devices []Device, devPath string) (Device, bool) {
	for _, d := range devices {
		if "/dev/"+d.Name == devPath {
			return d, true
		}
		if found, ok := find(d.Children, devPath); ok {
			return found, true
		}
	}
	return Device{}, false
}

// FSType returns the filesystem type of the device at the given path
// (e.g. "/dev/sda5"), or false if the device is unknown or reports no
// filesystem type.
func FSType(devPath string) (string, bool) {
	devices, err := Blockdevices()
	if err != nil {
		return "", false
	}

	d, ok := find(devices, devPath)
	if !ok || d.FSType == nil {
		return "", false
	}
	return *d.FSType, true
}

// UUID returns the filesystem UUID of the device at the given path, or
// false if it is unknown.
func UUID(devPath string) (string, bool) {
	devices, err := Blockdevices()
	if err != nil {
		return "", false
	}

	d, ok := find(devices, devPath)
	if !ok || d.UUID == nil {
		return "", false
	}
	return *d.UUID, true
}
