package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/HEM-RnD/fsct-host/pkg/fsct"
)

// USB descriptor constants for the Binary Object Store walk.
const (
	descTypeBOS              = 0x0F
	descTypeDeviceCapability = 0x10
	capTypePlatform          = 0x05

	bosHeaderLen      = 5
	platformHeaderLen = 4 // bLength, bDescriptorType, bDevCapabilityType, bReserved
	platformUUIDLen   = 16
)

// ParseBOSTotalLength extracts wTotalLength from a BOS descriptor header so
// the caller can fetch the full store in a second transfer.
func ParseBOSTotalLength(header []byte) (uint16, error) {
	if len(header) < bosHeaderLen {
		return 0, fmt.Errorf("BOS header too short: %d bytes", len(header))
	}
	if header[1] != descTypeBOS {
		return 0, fmt.Errorf("not a BOS descriptor: type 0x%02x", header[1])
	}
	return binary.LittleEndian.Uint16(header[2:4]), nil
}

// ScanBOS walks a full Binary Object Store blob looking for FSCT platform
// capability descriptors. Descriptors with an unsupported major version are
// ignored with a warning; among the remaining matches the highest minor
// version wins. ok is false when the device is not FSCT capable.
func ScanBOS(bos []byte, logger *log.Logger) (best fsct.PlatformCapability, ok bool) {
	if len(bos) < bosHeaderLen || bos[1] != descTypeBOS {
		return fsct.PlatformCapability{}, false
	}

	pos := int(bos[0])
	for pos+2 <= len(bos) {
		capLen := int(bos[pos])
		if capLen < 3 || pos+capLen > len(bos) {
			break
		}
		desc := bos[pos : pos+capLen]
		pos += capLen

		if desc[1] != descTypeDeviceCapability || desc[2] != capTypePlatform {
			continue
		}
		if capLen < platformHeaderLen+platformUUIDLen+fsct.PlatformPayloadLen {
			continue
		}
		uuid := desc[platformHeaderLen : platformHeaderLen+platformUUIDLen]
		if !bytes.Equal(uuid, fsct.PlatformUUID[:]) {
			continue
		}

		pc, err := fsct.ParsePlatformPayload(desc[platformHeaderLen+platformUUIDLen:])
		if err != nil {
			logger.Warn("malformed FSCT platform capability descriptor", "err", err)
			continue
		}
		if pc.Version.Major != fsct.VersionMajor {
			logger.Warn("ignoring FSCT descriptor with unsupported protocol version",
				"version", pc.Version)
			continue
		}
		if !ok || pc.Version.Minor > best.Version.Minor {
			best, ok = pc, true
		}
	}
	return best, ok
}

// BuildBOS assembles a BOS blob from raw capability descriptors. Only used
// by tests to fabricate device-side descriptors.
func BuildBOS(caps ...[]byte) []byte {
	total := bosHeaderLen
	for _, c := range caps {
		total += len(c)
	}
	b := make([]byte, 0, total)
	b = append(b, bosHeaderLen, descTypeBOS, byte(total), byte(total>>8), byte(len(caps)))
	for _, c := range caps {
		b = append(b, c...)
	}
	return b
}

// BuildPlatformCapability assembles a platform capability descriptor with
// the given UUID and payload. Only used by tests.
func BuildPlatformCapability(uuid [16]byte, payload []byte) []byte {
	n := platformHeaderLen + platformUUIDLen + len(payload)
	b := make([]byte, 0, n)
	b = append(b, byte(n), descTypeDeviceCapability, capTypePlatform, 0)
	b = append(b, uuid[:]...)
	b = append(b, payload...)
	return b
}
