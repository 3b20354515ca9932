package ilpatch

import (
	"errors"
	"fmt"
)

// ReturnCategory classifies a method's return type by the literal-return
// sequence that zeroes it. Exactly one encoding arm exists per category.
type ReturnCategory int

const (
	// RetUnsupported covers everything without a single-literal default:
	// value types by value, typed references, byref returns, and unresolved
	// generic parameters.
	RetUnsupported ReturnCategory = iota
	RetVoid
	RetInt32 // bool, char, and 8/16/32-bit integrals
	RetInt64
	RetNativeInt
	RetFloat32
	RetFloat64
	RetReference // string, class, object, array, class generic instance
)

func (c ReturnCategory) String() string {
	switch c {
	case RetVoid:
		return "void"
	case RetInt32:
		return "int32"
	case RetInt64:
		return "int64"
	case RetNativeInt:
		return "native int"
	case RetFloat32:
		return "float32"
	case RetFloat64:
		return "float64"
	case RetReference:
		return "reference"
	default:
		return "unsupported"
	}
}

// ECMA-335 II.23.1.16 element types.
const (
	elemVoid        = 0x01
	elemBoolean     = 0x02
	elemChar        = 0x03
	elemI1          = 0x04
	elemU1          = 0x05
	elemI2          = 0x06
	elemU2          = 0x07
	elemI4          = 0x08
	elemU4          = 0x09
	elemI8          = 0x0A
	elemU8          = 0x0B
	elemR4          = 0x0C
	elemR8          = 0x0D
	elemString      = 0x0E
	elemPtr         = 0x0F
	elemByRef       = 0x10
	elemValueType   = 0x11
	elemClass       = 0x12
	elemVar         = 0x13
	elemArray       = 0x14
	elemGenericInst = 0x15
	elemTypedByRef  = 0x16
	elemI           = 0x18
	elemU           = 0x19
	elemFnPtr       = 0x1B
	elemObject      = 0x1C
	elemSZArray     = 0x1D
	elemMVar        = 0x1E
	elemCModReqd    = 0x1F
	elemCModOpt     = 0x20
)

// Method signature calling-convention bits (II.23.2.1).
const (
	sigHasThis      = 0x20
	sigExplicitThis = 0x40
	sigGeneric      = 0x10
)

type methodSig struct {
	hasThis    bool
	generic    bool
	paramCount int
	ret        ReturnCategory
}

// parseMethodSig decodes a MethodDefSig blob far enough to learn the
// parameter count and the return-type category. Parameter types are not
// walked; the return type is the first type in the blob.
func parseMethodSig(blob []byte) (methodSig, error) {
	r := &reader{data: blob}

	conv := r.u8()
	var sig methodSig
	sig.hasThis = conv&sigHasThis != 0
	if conv&sigGeneric != 0 {
		sig.generic = true
		readCompressedUint(r) // generic parameter count
	}
	sig.paramCount = int(readCompressedUint(r))

	// Custom modifiers precede the return type proper.
	for {
		if r.pos >= len(r.data) {
			r.fail()
			break
		}
		if b := r.data[r.pos]; b != elemCModReqd && b != elemCModOpt {
			break
		}
		r.skip(1)
		readCompressedUint(r) // TypeDefOrRefEncoded target
	}

	elem := r.u8()
	if r.err != nil {
		return methodSig{}, errors.New("truncated method signature")
	}

	sig.ret = categorize(r, elem)
	return sig, nil
}

func categorize(r *reader, elem byte) ReturnCategory {
	switch elem {
	case elemVoid:
		return RetVoid
	case elemBoolean, elemChar, elemI1, elemU1, elemI2, elemU2, elemI4, elemU4:
		return RetInt32
	case elemI8, elemU8:
		return RetInt64
	case elemI, elemU, elemPtr, elemFnPtr:
		return RetNativeInt
	case elemR4:
		return RetFloat32
	case elemR8:
		return RetFloat64
	case elemString, elemClass, elemObject, elemSZArray, elemArray:
		return RetReference
	case elemGenericInst:
		// A generic instantiation is reference-like only when the generic
		// type itself is a class; Nullable<T> and friends are value types.
		if r.u8() == elemClass {
			return RetReference
		}
		return RetUnsupported
	default:
		// Value types, byref returns, typedref, generic parameters.
		return RetUnsupported
	}
}

// readCompressedUint decodes the 1/2/4-byte big-endian-tagged integer
// encoding of II.23.2 used throughout signature blobs.
func readCompressedUint(r *reader) uint32 {
	b := r.u8()
	switch {
	case b&0x80 == 0:
		return uint32(b)
	case b&0xC0 == 0x80:
		return uint32(b&0x3F)<<8 | uint32(r.u8())
	case b&0xE0 == 0xC0:
		return uint32(b&0x1F)<<24 | uint32(r.u8())<<16 | uint32(r.u8())<<8 | uint32(r.u8())
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid compressed integer prefix 0x%02x", b)
		}
		return 0
	}
}
