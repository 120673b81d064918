// Package protocol parses inbound requests and renders outbound status
// messages for the apartd wire contract: a single flow-mapping-like,
// indentation-delimited text document per message.
package protocol

import (
	"gopkg.in/yaml.v2"

	"github.com/apartd/apartd/internal/compression"
)

// RequestKind discriminates a parsed Request.
type RequestKind int

const (
	RequestStatus RequestKind = iota
	RequestKill
	RequestClone
	RequestRestore
	RequestCancelClone
	RequestCancelRestore
	RequestDeleteImage
)

// Request is the parsed form of any inbound message. Only the fields
// relevant to Kind are populated.
type Request struct {
	Kind        RequestKind
	Source      string
	Destination string
	Name        string
	Compression compression.Descriptor
	ID          string
	File        string
}

type rawRequest struct {
	Type        string `yaml:"type"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Name        string `yaml:"name"`
	Compression string `yaml:"compression"`
	ID          string `yaml:"id"`
	File        string `yaml:"file"`
}

// Parse decodes one inbound message. Any parse failure, unknown type, or
// missing required field yields (Request{}, false): the message is
// silently ignored.
func Parse(data []byte) (Request, bool) {
	var raw rawRequest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Request{}, false
	}

	switch raw.Type {
	case "status-request":
		return Request{Kind: RequestStatus}, true

	case "kill-request":
		return Request{Kind: RequestKill}, true

	case "clone":
		if raw.Source == "" || raw.Destination == "" || raw.Name == "" {
			return Request{}, false
		}
		z := compression.Default()
		if raw.Compression != "" {
			var ok bool
			z, ok = compression.FromName(raw.Compression)
			if !ok {
				return Request{}, false
			}
		}
		return Request{
			Kind:        RequestClone,
			Source:      raw.Source,
			Destination: raw.Destination,
			Name:        raw.Name,
			Compression: z,
		}, true

	case "restore":
		if raw.Source == "" || raw.Destination == "" {
			return Request{}, false
		}
		return Request{Kind: RequestRestore, Source: raw.Source, Destination: raw.Destination}, true

	case "cancel-clone":
		if raw.ID == "" {
			return Request{}, false
		}
		return Request{Kind: RequestCancelClone, ID: raw.ID}, true

	case "cancel-restore":
		if raw.ID == "" {
			return Request{}, false
		}
		return Request{Kind: RequestCancelRestore, ID: raw.ID}, true

	case "delete-clone":
		if raw.File == "" {
			return Request{}, false
		}
		return Request{Kind: RequestDeleteImage, File: raw.File}, true

	default:
		return Request{}, false
	}
}
