package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/rpggio/fieldsync/internal/repository"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const envelopeSchema = `{
	"type": "object",
	"required": ["version", "serial", "data"],
	"properties": {
		"version": {"type": "string"},
		"serial": {"type": "string"}
	}
}`

var compiledEnvelope = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("envelope.json")
})

// Envelope is the on-disk wrapper of every versioned record. Version tags
// the shape of Data; Serial tags the sync epoch that wrote it.
type Envelope struct {
	Version string          `json:"version"`
	Serial  string          `json:"serial"`
	Data    json.RawMessage `json:"data"`
}

// Versioned reads and writes envelopes and refuses data from another
// schema version or sync epoch.
type Versioned struct {
	fs FileSystem
}

// NewVersioned wraps fs.
func NewVersioned(fs FileSystem) *Versioned {
	return &Versioned{fs: fs}
}

// FS returns the underlying file store.
func (v *Versioned) FS() FileSystem {
	return v.fs
}

// SaveChecked wraps data in an envelope and writes it to name.
func (v *Versioned) SaveChecked(ctx context.Context, name string, data any, version, serial string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	envelope := Envelope{Version: version, Serial: serial, Data: payload}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", name, err)
	}
	if dir := path.Dir(name); dir != "." {
		if err := v.fs.MkdirAll(ctx, dir); err != nil {
			return err
		}
	}
	return v.fs.WriteFile(ctx, name, encoded)
}

// LoadChecked reads name into out. It fails with repository.ErrDataCorrupted
// when the envelope is malformed and with repository.ErrDataStale when the
// version differs from version or, if serial is not empty, the serial
// differs from serial.
func (v *Versioned) LoadChecked(ctx context.Context, name, version, serial string, out any) error {
	envelope, err := v.LoadEnvelope(ctx, name)
	if err != nil {
		return err
	}
	if envelope.Version != version {
		return fmt.Errorf("%w: %s has version %q, want %q", repository.ErrDataStale, name, envelope.Version, version)
	}
	if serial != "" && envelope.Serial != serial {
		return fmt.Errorf("%w: %s has serial %q, want %q", repository.ErrDataStale, name, envelope.Serial, serial)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: decoding %s data: %v", repository.ErrDataCorrupted, name, err)
	}
	return nil
}

// LoadEnvelope reads and validates the envelope at name without checking
// its version or serial.
func (v *Versioned) LoadEnvelope(ctx context.Context, name string) (*Envelope, error) {
	raw, err := v.fs.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}

	schema, err := compiledEnvelope()
	if err != nil {
		return nil, fmt.Errorf("compiling envelope schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not valid JSON: %v", repository.ErrDataCorrupted, name, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", repository.ErrDataCorrupted, name, err)
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", repository.ErrDataCorrupted, name, err)
	}
	return &envelope, nil
}
