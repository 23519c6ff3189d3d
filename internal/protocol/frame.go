package protocol

import (
	"encoding/binary"
	"fmt"
)

// Binary frames from a worker socket carry an 8-byte header: two big-endian
// 32-bit integers, event type then format code. The remainder is the payload.
const frameHeaderSize = 8

// Known binary event types.
const (
	// EventTextMetadata frames carry UTF-8 "key:value" text.
	EventTextMetadata = 3
	// EventLegacyPreview frames use the old preview format table
	// (1 = bmp, anything else jpg).
	EventLegacyPreview = 10
)

// Format codes above this value pack a batch index into bits 4..19; the low
// 3 bits are the true format code.
const packedFormatThreshold = 2

// Frame is one decoded binary frame from a worker socket.
type Frame struct {
	EventType  int
	Format     string
	BatchIndex int
	Payload    []byte
}

// DecodeFrame decodes the binary frame header and classifies the format.
// The returned payload aliases raw.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderSize {
		return Frame{}, fmt.Errorf("binary frame too short: %d bytes", len(raw))
	}
	eventType := int(binary.BigEndian.Uint32(raw[0:4]))
	format := int(binary.BigEndian.Uint32(raw[4:8]))
	index := 0
	if format > packedFormatThreshold {
		index = (format >> 4) & 0xffff
		format &= 7
	}
	return Frame{
		EventType:  eventType,
		Format:     formatLabel(eventType, format),
		BatchIndex: index,
		Payload:    raw[frameHeaderSize:],
	}, nil
}

// EncodeFrame builds a binary frame. A non-zero batchIndex is packed into the
// format code field.
func EncodeFrame(eventType int, formatCode int, batchIndex int, payload []byte) []byte {
	format := formatCode
	if batchIndex != 0 {
		format = (batchIndex&0xffff)<<4 | (formatCode & 7)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(eventType))
	binary.BigEndian.PutUint32(buf[4:8], uint32(format))
	copy(buf[frameHeaderSize:], payload)
	return buf
}

func formatLabel(eventType, format int) string {
	switch eventType {
	case EventTextMetadata:
		return "txt"
	case EventLegacyPreview:
		if format == 1 {
			return "bmp"
		}
		return "jpg"
	}
	switch format {
	case 1:
		return "jpg"
	case 2:
		return "png"
	case 3:
		return "webp"
	case 4:
		return "gif"
	case 5:
		return "mp4"
	case 6:
		return "webm"
	case 7:
		return "mov"
	default:
		return "jpg"
	}
}

// MimeType maps a format label to a data-URI media type for preview frames.
func MimeType(formatLabel string) string {
	switch formatLabel {
	case "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "bmp":
		return "image/bmp"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	case "mp4":
		return "video/mp4"
	case "webm":
		return "video/webm"
	default:
		return "image/jpeg"
	}
}
