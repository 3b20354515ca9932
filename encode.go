package ilpatch

import "fmt"

// CIL opcodes used by the synthesized bodies (III.3).
const (
	opLdnull = 0x14 // push null reference
	opLdcI40 = 0x16 // push int32 0
	opRet    = 0x2A
	opConvI8 = 0x6A // widen to int64
	opConvR4 = 0x6B // convert to float32
	opConvR8 = 0x6C // convert to float64
	opConvI  = 0xD3 // widen to native int
)

// A tiny header stores the code length in 6 bits.
const tinyBodyMaxCode = 63

// EncodeDefaultReturn synthesizes a complete method body, tiny header
// included, that returns the default value for the given category.
//
// Every sequence is a handful of bytes, so the tiny header always suffices;
// this function never emits a fat header.
func EncodeDefaultReturn(cat ReturnCategory) ([]byte, error) {
	var code []byte
	switch cat {
	case RetVoid:
		code = []byte{opRet}
	case RetInt32:
		code = []byte{opLdcI40, opRet}
	case RetInt64:
		code = []byte{opLdcI40, opConvI8, opRet}
	case RetNativeInt:
		code = []byte{opLdcI40, opConvI, opRet}
	case RetFloat32:
		code = []byte{opLdcI40, opConvR4, opRet}
	case RetFloat64:
		code = []byte{opLdcI40, opConvR8, opRet}
	case RetReference:
		code = []byte{opLdnull, opRet}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedReturn, cat)
	}
	return packTinyBody(code)
}

func packTinyBody(code []byte) ([]byte, error) {
	if len(code) > tinyBodyMaxCode {
		return nil, fmt.Errorf("%w: %d code bytes exceed the tiny body limit", ErrBodyTooLarge, len(code))
	}
	body := make([]byte, 1+len(code))
	body[0] = byte(len(code))<<2 | bodyTiny
	copy(body[1:], code)
	return body, nil
}
