package ilpatch

import (
	"encoding/binary"
	"fmt"
)

// Method body header formats (II.25.4).
const (
	bodyFormatMask = 0x3
	bodyTiny       = 0x2
	bodyFat        = 0x3

	fatFlagMoreSects = 0x8 // exception handler sections follow the code
	fatHeaderMin     = 12
)

// BodyHeader describes the on-disk header of one method body. The span it
// covers, header plus code, is the only region a patch may touch.
type BodyHeader struct {
	Fat              bool
	HeaderSize       int
	CodeSize         int
	HasExtraSections bool
	MaxStack         int // fat bodies only
}

// SpanSize is the number of file bytes reserved by the body.
func (h BodyHeader) SpanSize() int {
	return h.HeaderSize + h.CodeSize
}

// LocateBody maps the method's RVA to a file offset and parses the body
// header found there. Methods without a body, RVAs no section covers, and
// bodies this package cannot safely rewrite are all refused.
func (m *Module) LocateBody(d *MethodDescriptor) (int, BodyHeader, error) {
	if d.RVA == 0 {
		return 0, BodyHeader{}, fmt.Errorf("%w: %s.%s", ErrNoBody, d.TypeName, d.Name)
	}

	off, err := m.rvaToOffset(d.RVA)
	if err != nil {
		return 0, BodyHeader{}, err
	}

	hdr, err := parseBodyHeader(m.data[off:])
	if err != nil {
		return 0, BodyHeader{}, fmt.Errorf("%s.%s: %w", d.TypeName, d.Name, err)
	}
	if hdr.HasExtraSections {
		return 0, BodyHeader{}, fmt.Errorf("%w: %s.%s has exception handler sections", ErrUnsupportedBody, d.TypeName, d.Name)
	}
	if hdr.SpanSize() > len(m.data)-off {
		return 0, BodyHeader{}, fmt.Errorf("%w: body extends past end of file", ErrUnsupportedBody)
	}
	return off, hdr, nil
}

func parseBodyHeader(b []byte) (BodyHeader, error) {
	if len(b) == 0 {
		return BodyHeader{}, fmt.Errorf("%w: truncated header", ErrUnsupportedBody)
	}

	switch b[0] & bodyFormatMask {
	case bodyTiny:
		return BodyHeader{
			HeaderSize: 1,
			CodeSize:   int(b[0] >> 2),
		}, nil

	case bodyFat:
		if len(b) < fatHeaderMin {
			return BodyHeader{}, fmt.Errorf("%w: truncated fat header", ErrUnsupportedBody)
		}
		word := binary.LittleEndian.Uint16(b)
		flags := word & 0x0FFF
		headerSize := int(word>>12) * 4
		if headerSize < fatHeaderMin {
			return BodyHeader{}, fmt.Errorf("%w: fat header size %d", ErrUnsupportedBody, headerSize)
		}
		return BodyHeader{
			Fat:              true,
			HeaderSize:       headerSize,
			CodeSize:         int(binary.LittleEndian.Uint32(b[4:])),
			HasExtraSections: flags&fatFlagMoreSects != 0,
			MaxStack:         int(binary.LittleEndian.Uint16(b[2:])),
		}, nil

	default:
		return BodyHeader{}, fmt.Errorf("%w: unrecognized header byte 0x%02x", ErrUnsupportedBody, b[0])
	}
}
