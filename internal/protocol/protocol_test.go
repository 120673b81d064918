package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/apartd/apartd/internal/compression"
)

func TestParseStatusRequest(t *testing.T) {
	req, ok := Parse([]byte("type: status-request\n"))
	if !ok || req.Kind != RequestStatus {
		t.Fatalf("got %+v ok=%v", req, ok)
	}
}

func TestParseClone(t *testing.T) {
	doc := "type: clone\nsource: /dev/sda5\ndestination: /mnt/backups\nname: job\n"
	req, ok := Parse([]byte(doc))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if req.Kind != RequestClone || req.Source != "/dev/sda5" || req.Destination != "/mnt/backups" || req.Name != "job" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Compression.Name != compression.Default().Name {
		t.Errorf("expected default compression, got %+v", req.Compression)
	}
}

func TestParseCloneWithCompression(t *testing.T) {
	doc := "type: clone\nsource: /dev/sda5\ndestination: /mnt/backups\nname: job\ncompression: zst\n"
	req, ok := Parse([]byte(doc))
	if !ok {
		t.Fatal("expected successful parse")
	}
	if req.Compression.Name != compression.ZSTD.Name {
		t.Errorf("expected zstd, got %+v", req.Compression)
	}
}

func TestParseCloneInvalidCompressionRejected(t *testing.T) {
	doc := "type: clone\nsource: /dev/sda5\ndestination: /mnt/backups\nname: job\ncompression: bogus\n"
	if _, ok := Parse([]byte(doc)); ok {
		t.Fatal("expected invalid compression name to reject the message")
	}
}

func TestParseCloneMissingFieldRejected(t *testing.T) {
	doc := "type: clone\nsource: /dev/sda5\ndestination: /mnt/backups\n"
	if _, ok := Parse([]byte(doc)); ok {
		t.Fatal("expected missing name field to reject the message")
	}
}

func TestParseUnknownTypeRejected(t *testing.T) {
	if _, ok := Parse([]byte("type: nonsense\n")); ok {
		t.Fatal("expected unknown type to be ignored")
	}
}

func TestParseMalformedRejected(t *testing.T) {
	if _, ok := Parse([]byte("{not: valid: yaml: at: all")); ok {
		t.Fatal("expected malformed input to be ignored")
	}
}

func TestRenderCloneDecimalAndTilde(t *testing.T) {
	out := RenderClone(CloneView{
		ID:          "abc-123",
		Source:      "/dev/sda5",
		Destination: "/mnt/backups/job.apt.dd.gz",
		Start:       time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
		Complete:    1,
		Syncing:     false,
	})

	if !strings.Contains(out, "complete: 1.0\n") {
		t.Errorf("expected decimal-rendered complete=1.0, got:\n%s", out)
	}
	if !strings.Contains(out, "rate: ~\n") {
		t.Errorf("expected absent rate rendered as ~, got:\n%s", out)
	}
	if !strings.Contains(out, "estimated_finish: ~\n") {
		t.Errorf("expected absent estimated_finish rendered as ~, got:\n%s", out)
	}
	if !strings.Contains(out, "start: 2020-01-02T03:04:05Z\n") {
		t.Errorf("expected RFC3339 start timestamp, got:\n%s", out)
	}
	if strings.Contains(out, "source_uuid") {
		t.Errorf("expected source_uuid omitted when unknown, got:\n%s", out)
	}
}

func TestRenderCloneIncludesSourceUUIDWhenKnown(t *testing.T) {
	out := RenderClone(CloneView{
		ID:            "abc-123",
		Source:        "/dev/sda5",
		Destination:   "/mnt/backups/job.apt.ext4.gz",
		SourceUUID:    "3386a461-9c5a-4b46-a2ba-6e3ad50a4e60",
		HasSourceUUID: true,
		Start:         time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	if !strings.Contains(out, "source_uuid: ") {
		t.Errorf("expected source_uuid line when known, got:\n%s", out)
	}
}

func TestRenderCloneFailed(t *testing.T) {
	out := RenderCloneFailed("abc-123", "/dev/sda5", "/mnt/backups/job.apt.dd.gz",
		time.Unix(0, 0).UTC(), time.Unix(1, 0).UTC(), "Cancelled")

	if !strings.Contains(out, "type: clone-failed\n") {
		t.Errorf("missing type line:\n%s", out)
	}
	if !strings.Contains(out, `error: "Cancelled"`) {
		t.Errorf("missing error line:\n%s", out)
	}
}

func TestRenderDeleteCloneFailedDefaultsReason(t *testing.T) {
	out := RenderDeleteCloneFailed("/mnt/backups/missing.apt.dd.gz", "")
	if !strings.Contains(out, `error: "No such file"`) {
		t.Errorf("expected default reason, got:\n%s", out)
	}
}

// TestParseRoundTripsExplicitFields checks that parsing a fully-specified
// clone request recovers exactly the fields the encoder would have been
// given, for the subset of a Request that inbound parsing reads.
func TestParseRoundTripsExplicitFields(t *testing.T) {
	doc := "type: clone\nsource: /dev/sdb3\ndestination: /mnt/backups\nname: job\ncompression: zst\n"
	got, ok := Parse([]byte(doc))
	if !ok {
		t.Fatal("expected successful parse")
	}

	want := Request{
		Kind:        RequestClone,
		Source:      "/dev/sdb3",
		Destination: "/mnt/backups",
		Name:        "job",
		Compression: compression.ZSTD,
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parse result mismatch (-want +got):\n%s", diff)
	}
}
