package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocumentKind identifies the stage of a run a document describes.
type DocumentKind string

const (
	KindStart      DocumentKind = "start"
	KindDescriptor DocumentKind = "descriptor"
	KindEvent      DocumentKind = "event"
	KindStop       DocumentKind = "stop"
)

// Valid reports whether k is one of the four acquisition document kinds.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindStart, KindDescriptor, KindEvent, KindStop:
		return true
	}
	return false
}

// Document is a single acquisition document emitted by the engine.
// Documents are handed to the publisher by reference and are read-only
// from that point on.
type Document struct {
	// Kind is the document kind (start, descriptor, event, stop)
	Kind DocumentKind

	// RunUID identifies the run this document belongs to
	RunUID string

	// Seq is the submission sequence number within the run
	Seq uint64

	// Time is the engine timestamp for the document
	Time time.Time

	// Body carries the document fields as emitted by the engine
	Body map[string]any
}

// Validate checks the structural invariants the publisher relies on.
func (d *Document) Validate() error {
	if !d.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown document kind %q", d.Kind)}
	}
	if d.RunUID == "" {
		return &ValidationError{Field: "run_uid", Reason: "run uid is required"}
	}
	return nil
}

// wireDocument is the self-describing on-the-wire form. Field names are
// preserved so bus consumers can route on them without a schema registry.
type wireDocument struct {
	Kind   DocumentKind   `json:"kind"`
	RunUID string         `json:"run_uid"`
	Seq    uint64         `json:"seq"`
	Time   int64          `json:"time_ns"`
	Body   map[string]any `json:"body"`
}

// Encode serializes the document for the bus boundary.
// A document that cannot be serialized is fatal for that document only.
func (d *Document) Encode() ([]byte, error) {
	b, err := json.Marshal(wireDocument{
		Kind:   d.Kind,
		RunUID: d.RunUID,
		Seq:    d.Seq,
		Time:   d.Time.UnixNano(),
		Body:   d.Body,
	})
	if err != nil {
		return nil, &SerializationError{RunUID: d.RunUID, Kind: d.Kind, Err: err}
	}
	return b, nil
}
