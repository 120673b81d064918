package blockdev

import (
	"encoding/json"
	"testing"
)

func TestSizeUnmarshalsIntOrString(t *testing.T) {
	var s Size
	if err := json.Unmarshal([]byte(`750156374016`), &s); err != nil {
		t.Fatalf("int form: %v", err)
	}
	if s != 750156374016 {
		t.Errorf("got %v", s)
	}

	var s2 Size
	if err := json.Unmarshal([]byte(`"750156374016"`), &s2); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if s2 != 750156374016 {
		t.Errorf("got %v", s2)
	}
}

func TestDeviceTreeParsing(t *testing.T) {
	raw := `{
		"blockdevices": [
			{"name": "sda", "size": 750156374016, "fstype": null, "label": null, "mountpoint": null,
			 "children": [
				{"name": "sda2", "size": "536766054400", "fstype": null, "label": null, "mountpoint": null},
				{"name": "sda3", "size": 181070200832, "fstype": "ext4", "label": "Arch", "mountpoint": "/", "uuid": "123-234"}
			 ]}
		]
	}`

	var l listing
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(l.Blockdevices) != 1 || l.Blockdevices[0].Name != "sda" {
		t.Fatalf("unexpected tree: %+v", l.Blockdevices)
	}

	parts := l.Blockdevices[0].Children
	if len(parts) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts))
	}
	if parts[0].Mounted() {
		t.Error("sda2 should not be mounted")
	}
	if !parts[1].Mounted() {
		t.Error("sda3 should be mounted")
	}
	if parts[1].FSType == nil || *parts[1].FSType != "ext4" {
		t.Errorf("sda3 fstype = %v", parts[1].FSType)
	}

	d, ok := find(l.Blockdevices, "/dev/sda3")
	if !ok || d.Name != "sda3" {
		t.Fatalf("find(/dev/sda3) = %+v, %v", d, ok)
	}
}
