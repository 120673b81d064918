package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apartd/apartd/internal/blockdev"
	"github.com/apartd/apartd/internal/compression"
)

const timeLayout = "2006-01-02T15:04:05Z"

func decimal(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func optTime(t time.Time) string {
	if t.IsZero() {
		return "~"
	}
	return t.UTC().Format(timeLayout)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

type builder struct {
	strings.Builder
}

func (b *builder) field(indent int, key, value string) {
	fmt.Fprintf(&b.Builder, "%s%s: %s\n", strings.Repeat("  ", indent), key, value)
}

// RenderStatus renders a `status` message. sources/compressionOptions may
// be nil, in which case their keys are rendered as `~` (e.g. a "dying"
// phase message needs only phase).
func RenderStatus(phase string, sources []blockdev.Device, compressionOptions []compression.Descriptor) string {
	var b builder
	b.field(0, "type", "status")
	b.field(0, "status", phase)

	if sources == nil {
		b.field(0, "sources", "~")
	} else {
		b.field(0, "sources", "")
		for _, d := range sources {
			renderDevice(&b, d, 1, true)
		}
	}

	if compressionOptions == nil {
		b.field(0, "compression_options", "~")
	} else {
		b.field(0, "compression_options", "")
		for _, z := range compressionOptions {
			b.field(1, "-", strconv.Quote(z.Name))
		}
	}

	return b.String()
}

func renderDevice(b *builder, d blockdev.Device, indent int, isSource bool) {
	prefix := strings.Repeat("  ", indent)
	fmt.Fprintf(&b.Builder, "%s- name: %s\n", prefix, strconv.Quote(d.Name))
	b.field(indent+1, "size", strconv.FormatUint(uint64(d.Size), 10))

	if isSource {
		b.field(indent+1, "parts", "")
		for _, c := range d.Children {
			renderPart(b, c, indent+1)
		}
		return
	}
}

func renderPart(b *builder, d blockdev.Device, indent int) {
	prefix := strings.Repeat("  ", indent)
	fmt.Fprintf(&b.Builder, "%s- name: %s\n", prefix, strconv.Quote(d.Name))
	b.field(indent+1, "size", strconv.FormatUint(uint64(d.Size), 10))
	b.field(indent+1, "fstype", optPtrStr(d.FSType))
	b.field(indent+1, "label", optPtrStr(d.Label))
	b.field(indent+1, "mounted", boolStr(d.Mounted()))
	b.field(indent+1, "uuid", optPtrStr(d.UUID))
}

func optPtrStr(p *string) string {
	if p == nil {
		return "~"
	}
	return strconv.Quote(*p)
}

// CloneView carries the fields needed to render a running/syncing/finished
// `clone` message.
type CloneView struct {
	ID              string
	Source          string
	Destination     string
	SourceUUID      string
	HasSourceUUID   bool
	Start           time.Time
	Complete        float64
	Syncing         bool
	Rate            string
	EstimatedFinish time.Time
	Finish          time.Time
	ImageSize       int64
	HasImageSize    bool
}

// RenderClone renders a `clone` progress or terminal-success message.
func RenderClone(v CloneView) string {
	var b builder
	b.field(0, "type", "clone")
	b.field(0, "id", v.ID)
	b.field(0, "source", strconv.Quote(v.Source))
	b.field(0, "destination", strconv.Quote(v.Destination))
	b.field(0, "start", v.Start.UTC().Format(timeLayout))
	b.field(0, "complete", decimal(v.Complete))
	b.field(0, "syncing", boolStr(v.Syncing))
	if v.Rate == "" {
		b.field(0, "rate", "~")
	} else {
		b.field(0, "rate", strconv.Quote(v.Rate))
	}
	b.field(0, "estimated_finish", optTime(v.EstimatedFinish))

	if v.HasSourceUUID {
		b.field(0, "source_uuid", strconv.Quote(v.SourceUUID))
	}

	if !v.Finish.IsZero() {
		b.field(0, "finish", v.Finish.UTC().Format(timeLayout))
	}
	if v.HasImageSize {
		b.field(0, "image_size", strconv.FormatInt(v.ImageSize, 10))
	}

	return b.String()
}

// RenderCloneFailed renders a terminal `clone-failed` message.
func RenderCloneFailed(id, source, destination string, start, finish time.Time, reason string) string {
	return renderJobFailed("clone-failed", id, source, destination, start, finish, reason)
}

// RestoreView carries the fields needed to render a running/finished
// `restore` message.
type RestoreView struct {
	ID              string
	Source          string
	Destination     string
	Start           time.Time
	Complete        float64
	Syncing         bool
	Rate            string
	EstimatedFinish time.Time
	Finish          time.Time
}

// RenderRestore renders a `restore` progress or terminal-success message.
func RenderRestore(v RestoreView) string {
	var b builder
	b.field(0, "type", "restore")
	b.field(0, "id", v.ID)
	b.field(0, "source", strconv.Quote(v.Source))
	b.field(0, "destination", strconv.Quote(v.Destination))
	b.field(0, "start", v.Start.UTC().Format(timeLayout))
	b.field(0, "complete", decimal(v.Complete))
	b.field(0, "syncing", boolStr(v.Syncing))
	if v.Rate == "" {
		b.field(0, "rate", "~")
	} else {
		b.field(0, "rate", strconv.Quote(v.Rate))
	}
	b.field(0, "estimated_finish", optTime(v.EstimatedFinish))
	if !v.Finish.IsZero() {
		b.field(0, "finish", v.Finish.UTC().Format(timeLayout))
	}
	return b.String()
}

// RenderRestoreFailed renders a terminal `restore-failed` message.
func RenderRestoreFailed(id, source, destination string, start, finish time.Time, reason string) string {
	return renderJobFailed("restore-failed", id, source, destination, start, finish, reason)
}

func renderJobFailed(msgType, id, source, destination string, start, finish time.Time, reason string) string {
	var b builder
	b.field(0, "type", msgType)
	b.field(0, "id", id)
	b.field(0, "source", strconv.Quote(source))
	b.field(0, "destination", strconv.Quote(destination))
	b.field(0, "start", start.UTC().Format(timeLayout))
	b.field(0, "finish", finish.UTC().Format(timeLayout))
	b.field(0, "error", strconv.Quote(reason))
	return b.String()
}

// RenderDeletedClone renders a `deleted-clone` message.
func RenderDeletedClone(file string) string {
	var b builder
	b.field(0, "type", "deleted-clone")
	b.field(0, "file", strconv.Quote(file))
	return b.String()
}

// RenderDeleteCloneFailed renders a `delete-clone-failed` message. An
// empty reason renders the canonical "No such file" error.
func RenderDeleteCloneFailed(file, reason string) string {
	if reason == "" {
		reason = "No such file"
	}
	var b builder
	b.field(0, "type", "delete-clone-failed")
	b.field(0, "file", strconv.Quote(file))
	b.field(0, "error", strconv.Quote(reason))
	return b.String()
}
