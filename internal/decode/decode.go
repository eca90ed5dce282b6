// Package decode extracts physical signal values from raw frame payloads
// using registered message schemas, similar in spirit to a DBC lookup.
package decode

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"vcansim/pkg/models"
)

// Byte order names accepted by SignalSchema.
const (
	ByteOrderLittle = "little"
	ByteOrderBig    = "big"
)

var (
	ErrBadByteOrder = errors.New("byte order must be \"little\" or \"big\"")
	ErrBadBitRange  = errors.New("signal bit range exceeds 64 bits of payload")
)

// SignalSchema describes how one signal is packed into a payload.
type SignalSchema struct {
	Name      string  `yaml:"name" json:"name"`
	StartBit  int     `yaml:"start_bit" json:"start_bit"`
	BitLength int     `yaml:"bit_length" json:"bit_length"`
	ByteOrder string  `yaml:"byte_order" json:"byte_order"`
	Signed    bool    `yaml:"signed" json:"signed"`
	Scale     float64 `yaml:"scale" json:"scale"`
	Offset    float64 `yaml:"offset" json:"offset"`
	Unit      string  `yaml:"unit" json:"unit"`
}

// Validate checks the schema is decodable.
func (s SignalSchema) Validate() error {
	if s.ByteOrder != ByteOrderLittle && s.ByteOrder != ByteOrderBig {
		return fmt.Errorf("signal %s: %w", s.Name, ErrBadByteOrder)
	}
	if s.BitLength <= 0 || s.StartBit < 0 || s.StartBit+s.BitLength > 64 {
		return fmt.Errorf("signal %s: %w", s.Name, ErrBadBitRange)
	}
	return nil
}

// Decode extracts the raw integer from data and applies scale and offset.
func (s SignalSchema) Decode(data []byte) (raw int64, value float64) {
	buf := make([]byte, 8)
	copy(buf, data)

	var word uint64
	if s.ByteOrder == ByteOrderBig {
		for _, b := range buf {
			word = word<<8 | uint64(b)
		}
	} else {
		for i := 7; i >= 0; i-- {
			word = word<<8 | uint64(buf[i])
		}
	}

	bits := word >> uint(s.StartBit)
	if s.BitLength < 64 {
		bits &= (1 << uint(s.BitLength)) - 1
	}

	raw = int64(bits)
	if s.Signed && s.BitLength < 64 && bits&(1<<uint(s.BitLength-1)) != 0 {
		raw = int64(bits) - (1 << uint(s.BitLength))
	}

	scale := s.Scale
	if scale == 0 {
		scale = 1
	}
	value = float64(raw)*scale + s.Offset
	return raw, value
}

// MessageSchema describes one message ID's payload layout.
type MessageSchema struct {
	ID         uint32         `yaml:"id" json:"id"`
	Name       string         `yaml:"name" json:"name"`
	DLC        int            `yaml:"dlc" json:"dlc"`
	IsExtended bool           `yaml:"is_extended" json:"is_extended"`
	Signals    []SignalSchema `yaml:"signals" json:"signals"`
}

// Validate checks every signal in the schema.
func (m MessageSchema) Validate() error {
	for _, s := range m.Signals {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("message %s (0x%X): %w", m.Name, m.ID, err)
		}
	}
	return nil
}

// Signal is one decoded signal value.
type Signal struct {
	Name  string  `json:"name"`
	Raw   int64   `json:"raw"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Message is a fully decoded frame.
type Message struct {
	ID        uint32            `json:"arbitration_id"`
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Signals   map[string]Signal `json:"signals"`
}

// Decoder maps frame IDs to schemas and decodes frames against them.
type Decoder struct {
	mu       sync.RWMutex
	schemas  map[uint32]MessageSchema
	unknowns map[uint32]struct{}
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		schemas:  make(map[uint32]MessageSchema),
		unknowns: make(map[uint32]struct{}),
	}
}

// Register installs or replaces the schema for a message ID.
func (d *Decoder) Register(schema MessageSchema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.schemas[schema.ID] = schema
	delete(d.unknowns, schema.ID)
	return nil
}

// Unregister removes the schema for an ID, if any.
func (d *Decoder) Unregister(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.schemas, id)
}

// Schemas returns a copy of the registered schemas.
func (d *Decoder) Schemas() []MessageSchema {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]MessageSchema, 0, len(d.schemas))
	for _, s := range d.schemas {
		out = append(out, s)
	}
	return out
}

// Decode decodes a frame against its registered schema. The second return
// value is false when no schema covers the frame's ID; such IDs are tracked
// and reported by UnknownIDs.
func (d *Decoder) Decode(frame models.Frame) (*Message, bool) {
	d.mu.Lock()
	schema, ok := d.schemas[frame.ID]
	if !ok {
		d.unknowns[frame.ID] = struct{}{}
		d.mu.Unlock()
		return nil, false
	}
	d.mu.Unlock()

	msg := &Message{
		ID:        frame.ID,
		Name:      schema.Name,
		Timestamp: frame.Timestamp,
		Signals:   make(map[string]Signal, len(schema.Signals)),
	}
	for _, ss := range schema.Signals {
		raw, value := ss.Decode(frame.Data)
		msg.Signals[ss.Name] = Signal{
			Name:  ss.Name,
			Raw:   raw,
			Value: value,
			Unit:  ss.Unit,
		}
	}
	return msg, true
}

// UnknownIDs returns every frame ID seen by Decode without a schema.
func (d *Decoder) UnknownIDs() []uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint32, 0, len(d.unknowns))
	for id := range d.unknowns {
		out = append(out, id)
	}
	return out
}
