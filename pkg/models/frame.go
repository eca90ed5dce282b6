package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Classical CAN limits.
const (
	StandardIDMax = 0x7FF      // 11-bit arbitration ID
	ExtendedIDMax = 0x1FFFFFFF // 29-bit arbitration ID
	MaxPayloadLen = 8
)

// Frame represents a single classical CAN frame. Frames are value types:
// they are copied across subscriber boundaries and never shared-mutated.
type Frame struct {
	ID         uint32    // Arbitration ID (11-bit standard, 29-bit extended)
	Data       []byte    // Payload, 0-8 bytes
	Timestamp  time.Time // Transmission/observation time
	IsExtended bool      // true for a 29-bit extended identifier
	IsRemote   bool      // true for a remote transmission request (RTR)
	DLC        int       // Data Length Code, equals len(Data)
}

// NewFrame builds a validated frame with the current time and DLC derived
// from the payload length.
func NewFrame(id uint32, data []byte, extended bool) (Frame, error) {
	return NewFrameAt(id, data, extended, time.Now())
}

// NewFrameAt builds a validated frame with an explicit timestamp.
func NewFrameAt(id uint32, data []byte, extended bool, ts time.Time) (Frame, error) {
	f := Frame{
		ID:         id,
		Data:       append([]byte(nil), data...),
		Timestamp:  ts,
		IsExtended: extended,
		DLC:        len(data),
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// NewRemoteFrame builds a remote transmission request carrying no payload.
func NewRemoteFrame(id uint32, dlc int, extended bool) (Frame, error) {
	if dlc < 0 || dlc > MaxPayloadLen {
		return Frame{}, fmt.Errorf("remote frame DLC must be 0-%d, got %d", MaxPayloadLen, dlc)
	}
	f := Frame{
		ID:         id,
		Timestamp:  time.Now(),
		IsExtended: extended,
		IsRemote:   true,
		DLC:        dlc,
	}
	if err := f.validateID(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate checks the frame invariants: payload length, ID range for the
// extended flag, and DLC consistency.
func (f Frame) Validate() error {
	if len(f.Data) > MaxPayloadLen {
		return fmt.Errorf("CAN frame data cannot exceed %d bytes, got %d", MaxPayloadLen, len(f.Data))
	}
	if !f.IsRemote && f.DLC != len(f.Data) {
		return fmt.Errorf("DLC %d does not match payload length %d", f.DLC, len(f.Data))
	}
	return f.validateID()
}

func (f Frame) validateID() error {
	if f.IsExtended {
		if f.ID > ExtendedIDMax {
			return fmt.Errorf("extended arbitration ID must be 0-%#x, got %#x", uint32(ExtendedIDMax), f.ID)
		}
		return nil
	}
	if f.ID > StandardIDMax {
		return fmt.Errorf("standard arbitration ID must be 0-%#x, got %#x", uint32(StandardIDMax), f.ID)
	}
	return nil
}

// Clone returns a deep copy of the frame. The payload slice is duplicated so
// the copy can never alias the original.
func (f Frame) Clone() Frame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// HexData returns the payload as an uppercase hex string.
func (f Frame) HexData() string {
	return strings.ToUpper(hex.EncodeToString(f.Data))
}

func (f Frame) String() string {
	if f.IsExtended {
		return fmt.Sprintf("Frame(id=%#010x, data=%s, dlc=%d)", f.ID, f.HexData(), f.DLC)
	}
	return fmt.Sprintf("Frame(id=%#05x, data=%s, dlc=%d)", f.ID, f.HexData(), f.DLC)
}
