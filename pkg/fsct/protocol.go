// Package fsct implements the Ferrum Streaming Control Technology wire
// protocol: the BOS platform capability descriptor, the vendor control
// requests, and the on-wire record layouts understood by FSCT devices.
package fsct

import (
	"encoding/binary"
	"fmt"
)

// Protocol version implemented by this host driver.
const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0
)

// Version is a protocol version advertised in the BOS descriptor.
type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// PlatformUUID identifies an FSCT platform capability descriptor inside the
// device's Binary Object Store. GUID F0C7A9E2-5B1D-4E8A-9C63-0D2B71E4A5F8 in
// the mixed-endian layout USB uses on the wire.
var PlatformUUID = [16]byte{
	0xE2, 0xA9, 0xC7, 0xF0,
	0x1D, 0x5B,
	0x8A, 0x4E,
	0x9C, 0x63,
	0x0D, 0x2B, 0x71, 0xE4, 0xA5, 0xF8,
}

// Vendor control request codes. All requests are class-type transfers
// directed at the interface announced in the BOS descriptor.
const (
	RequestGetCapabilities uint8 = 0x01
	RequestGetDeviceTime   uint8 = 0x02
	RequestSetStatus       uint8 = 0x10
	RequestSetTimeline     uint8 = 0x11
	RequestSetText         uint8 = 0x12
	RequestSetEnabled      uint8 = 0x13
)

// Capability bits shared between the BOS descriptor payload and the
// GetCapabilities block.
const (
	CapStatus   uint32 = 1 << 0
	CapTimeline uint32 = 1 << 1
	CapText     uint32 = 1 << 2
)

// PlatformCapability is the vendor-defined payload of an FSCT platform
// capability descriptor: protocol version, coarse capability bits and the
// number of the USB interface accepting FSCT control requests.
type PlatformCapability struct {
	Version   Version
	Interface uint8
	Bits      uint8
}

// PlatformPayloadLen is the length of the vendor payload following the
// 16-byte platform UUID.
const PlatformPayloadLen = 4

// ParsePlatformPayload decodes the vendor payload of an FSCT platform
// capability descriptor (the bytes following the UUID).
func ParsePlatformPayload(b []byte) (PlatformCapability, error) {
	if len(b) < PlatformPayloadLen {
		return PlatformCapability{}, fmt.Errorf("platform payload too short: %d bytes", len(b))
	}
	bcd := binary.LittleEndian.Uint16(b[0:2])
	return PlatformCapability{
		Version:   Version{Major: bcd >> 8, Minor: bcd & 0xFF},
		Interface: b[2],
		Bits:      b[3],
	}, nil
}

// EncodePlatformPayload is the inverse of ParsePlatformPayload. Used by the
// mock devices in tests.
func EncodePlatformPayload(pc PlatformCapability) []byte {
	b := make([]byte, PlatformPayloadLen)
	binary.LittleEndian.PutUint16(b[0:2], pc.Version.Major<<8|pc.Version.Minor&0xFF)
	b[2] = pc.Interface
	b[3] = pc.Bits
	return b
}

// TextSlot describes one text slot as advertised by the device.
type TextSlot struct {
	Encoding  TextEncoding
	MaxLength uint16 // bytes, not code points
}

// Capabilities is the detailed capability block returned by GetCapabilities.
type Capabilities struct {
	Bits      uint32
	TextSlots [TextKindCount]TextSlot
}

// Has reports whether every given capability bit is set.
func (c Capabilities) Has(bits uint32) bool {
	return c.Bits&bits == bits
}

// CapabilityBlockLen is the fixed size of the GetCapabilities data stage.
const CapabilityBlockLen = 4 + TextKindCount*4

// ParseCapabilityBlock decodes a GetCapabilities data stage.
func ParseCapabilityBlock(b []byte) (Capabilities, error) {
	if len(b) < CapabilityBlockLen {
		return Capabilities{}, fmt.Errorf("capability block too short: %d bytes", len(b))
	}
	var c Capabilities
	c.Bits = binary.LittleEndian.Uint32(b[0:4])
	for i := 0; i < TextKindCount; i++ {
		off := 4 + i*4
		c.TextSlots[i] = TextSlot{
			Encoding:  TextEncoding(b[off]),
			MaxLength: binary.LittleEndian.Uint16(b[off+2 : off+4]),
		}
	}
	return c, nil
}

// EncodeCapabilityBlock is the inverse of ParseCapabilityBlock. Used by the
// mock devices in tests.
func EncodeCapabilityBlock(c Capabilities) []byte {
	b := make([]byte, CapabilityBlockLen)
	binary.LittleEndian.PutUint32(b[0:4], c.Bits)
	for i := 0; i < TextKindCount; i++ {
		off := 4 + i*4
		b[off] = byte(c.TextSlots[i].Encoding)
		binary.LittleEndian.PutUint16(b[off+2:off+4], c.TextSlots[i].MaxLength)
	}
	return b
}

// TimelineRecordLen is the fixed size of the SetTimeline data stage.
const TimelineRecordLen = 32

// TimelineFlagCleared marks a SetTimeline record that clears the device's
// timeline slot. All other fields must be zero when it is set.
const TimelineFlagCleared uint32 = 1 << 0

// TimelineRecord is the on-wire SetTimeline payload. The anchor is expressed
// on the device monotonic clock; the device interpolates locally using Rate.
type TimelineRecord struct {
	PositionMicros uint64
	DurationMicros uint64
	AnchorMicros   uint64
	RateMilli      int32
	Flags          uint32
}

// ClearedTimelineRecord is the record written to clear the timeline slot.
func ClearedTimelineRecord() TimelineRecord {
	return TimelineRecord{Flags: TimelineFlagCleared}
}

// Encode serializes the record into its 32-byte wire form.
func (r TimelineRecord) Encode() []byte {
	b := make([]byte, TimelineRecordLen)
	binary.LittleEndian.PutUint64(b[0:8], r.PositionMicros)
	binary.LittleEndian.PutUint64(b[8:16], r.DurationMicros)
	binary.LittleEndian.PutUint64(b[16:24], r.AnchorMicros)
	binary.LittleEndian.PutUint32(b[24:28], uint32(r.RateMilli))
	binary.LittleEndian.PutUint32(b[28:32], r.Flags)
	return b
}

// DecodeTimelineRecord parses a 32-byte SetTimeline payload.
func DecodeTimelineRecord(b []byte) (TimelineRecord, error) {
	if len(b) != TimelineRecordLen {
		return TimelineRecord{}, fmt.Errorf("timeline record must be %d bytes, got %d", TimelineRecordLen, len(b))
	}
	return TimelineRecord{
		PositionMicros: binary.LittleEndian.Uint64(b[0:8]),
		DurationMicros: binary.LittleEndian.Uint64(b[8:16]),
		AnchorMicros:   binary.LittleEndian.Uint64(b[16:24]),
		RateMilli:      int32(binary.LittleEndian.Uint32(b[24:28])),
		Flags:          binary.LittleEndian.Uint32(b[28:32]),
	}, nil
}

// TextRecordHeaderLen is the fixed prefix of a SetText data stage:
// kind, encoding and the payload byte length.
const TextRecordHeaderLen = 4

// EncodeTextRecord builds a SetText data stage. A nil or empty payload
// clears the slot.
func EncodeTextRecord(kind TextKind, enc TextEncoding, payload []byte) []byte {
	b := make([]byte, TextRecordHeaderLen+len(payload))
	b[0] = byte(kind)
	b[1] = byte(enc)
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[4:], payload)
	return b
}

// DecodeTextRecord parses a SetText data stage.
func DecodeTextRecord(b []byte) (kind TextKind, enc TextEncoding, payload []byte, err error) {
	if len(b) < TextRecordHeaderLen {
		return 0, 0, nil, fmt.Errorf("text record too short: %d bytes", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[2:4]))
	if len(b) != TextRecordHeaderLen+n {
		return 0, 0, nil, fmt.Errorf("text record length mismatch: header says %d, have %d", n, len(b)-TextRecordHeaderLen)
	}
	return TextKind(b[0]), TextEncoding(b[1]), b[4:], nil
}
