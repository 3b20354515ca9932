package ilpatch

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// Test images are built from scratch: a PE32+ stub with one .text section
// holding a CLI header, a metadata root with #~/#Strings/#GUID/#Blob
// streams, and method bodies in fixed 64-byte slots.
const (
	testSectionRVA = 0x2000
	testSectionOff = 0x200
	testMetaRVA    = 0x2100
	testBodyRVA    = 0x2E00
	testBodySlot   = 0x40
)

// testBodyOffset returns the file offset of the k-th auto-assigned body.
func testBodyOffset(k int) int {
	return testSectionOff + (testBodyRVA - testSectionRVA) + k*testBodySlot
}

type testMethod struct {
	name   string
	flags  uint16
	sig    []byte
	body   []byte // placed in the next body slot when non-nil
	rva    uint32 // explicit RVA, overrides slot assignment
	noBody bool   // abstract/extern: RVA stays zero
}

type testType struct {
	namespace string
	name      string
	flags     uint32
	methods   []testMethod
}

type imageWriter struct {
	buf bytes.Buffer
}

func (w *imageWriter) u8(v byte)     { w.buf.WriteByte(v) }
func (w *imageWriter) u16(v uint16)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *imageWriter) u32(v uint32)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *imageWriter) u64(v uint64)  { binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *imageWriter) raw(b []byte)  { w.buf.Write(b) }
func (w *imageWriter) str(s string)  { w.buf.WriteString(s) }
func (w *imageWriter) pad(n int)     { w.buf.Write(make([]byte, n)) }
func (w *imageWriter) padTo(off int) { w.pad(off - w.buf.Len()) }
func (w *imageWriter) bytes() []byte { return w.buf.Bytes() }

func buildTestImage(t *testing.T, types []testType) []byte {
	t.Helper()

	// Assign body slots before the metadata is encoded; MethodDef rows
	// carry the RVAs.
	rvas := make(map[*testMethod]uint32)
	var bodies [][]byte
	for ti := range types {
		for mi := range types[ti].methods {
			m := &types[ti].methods[mi]
			switch {
			case m.noBody:
				rvas[m] = 0
			case m.rva != 0:
				rvas[m] = m.rva
			default:
				require.NotNil(t, m.body, "method %s needs a body, an rva, or noBody", m.name)
				require.LessOrEqual(t, len(m.body), testBodySlot)
				rvas[m] = uint32(testBodyRVA + len(bodies)*testBodySlot)
				bodies = append(bodies, m.body)
			}
		}
	}

	md := buildMetadataBlob(t, types, rvas)
	require.LessOrEqual(t, len(md), testBodyRVA-testMetaRVA, "metadata overflows its slot")

	// Section content: CLI header, metadata, bodies.
	var sect imageWriter
	sect.u32(72) // cb
	sect.u16(2)  // runtime major
	sect.u16(5)  // runtime minor
	sect.u32(testMetaRVA)
	sect.u32(uint32(len(md)))
	sect.u32(1) // ILONLY
	sect.padTo(testMetaRVA - testSectionRVA)
	sect.raw(md)
	sect.padTo(testBodyRVA - testSectionRVA)
	for _, b := range bodies {
		start := sect.buf.Len()
		sect.raw(b)
		sect.padTo(start + testBodySlot)
	}

	virtualSize := sect.buf.Len()
	rawSize := (virtualSize + 0x1FF) &^ 0x1FF
	sect.padTo(rawSize)

	var w imageWriter

	// DOS stub.
	w.str("MZ")
	w.padTo(0x3C)
	w.u32(0x80)
	w.padTo(0x80)

	// COFF header.
	w.str("PE\x00\x00")
	w.u16(0x8664) // amd64
	w.u16(1)      // one section
	w.u32(0)      // timestamp
	w.u32(0)      // symbol table
	w.u32(0)      // symbol count
	w.u16(240)    // optional header size (PE32+)
	w.u16(0x2022) // executable | large-address-aware | dll

	// Optional header.
	w.u16(0x20B) // PE32+
	w.u8(0)
	w.u8(0)
	w.u32(uint32(rawSize)) // size of code
	w.u32(0)
	w.u32(0)
	w.u32(0) // entry point
	w.u32(testSectionRVA)
	w.u64(0x180000000) // image base
	w.u32(0x2000)      // section alignment
	w.u32(0x200)       // file alignment
	w.u16(6)
	w.u16(0)
	w.u16(0)
	w.u16(0)
	w.u16(6)
	w.u16(0)
	w.u32(0)
	w.u32(uint32(testSectionRVA+virtualSize+0x1FFF) &^ 0x1FFF) // size of image
	w.u32(0x200)                                               // size of headers
	w.u32(0)
	w.u16(3) // console subsystem
	w.u16(0)
	w.u64(0x100000)
	w.u64(0x1000)
	w.u64(0x100000)
	w.u64(0x1000)
	w.u32(0)
	w.u32(16) // rva-and-size count
	for i := 0; i < 16; i++ {
		if i == 14 { // COM descriptor
			w.u32(testSectionRVA)
			w.u32(72)
			continue
		}
		w.u64(0)
	}

	// Section header.
	w.str(".text")
	w.pad(3)
	w.u32(uint32(virtualSize))
	w.u32(testSectionRVA)
	w.u32(uint32(rawSize))
	w.u32(testSectionOff)
	w.pad(12) // relocations, line numbers
	w.u32(0x60000020)

	w.padTo(testSectionOff)
	w.raw(sect.bytes())

	return w.bytes()
}

func buildMetadataBlob(t *testing.T, types []testType, rvas map[*testMethod]uint32) []byte {
	t.Helper()

	strings := []byte{0}
	strOffsets := map[string]uint32{"": 0}
	internStr := func(s string) uint32 {
		if off, ok := strOffsets[s]; ok {
			return off
		}
		off := uint32(len(strings))
		strings = append(strings, s...)
		strings = append(strings, 0)
		strOffsets[s] = off
		return off
	}

	blob := []byte{0}
	internBlob := func(b []byte) uint32 {
		require.Less(t, len(b), 128, "blob needs a multi-byte length prefix")
		off := uint32(len(blob))
		blob = append(blob, byte(len(b)))
		blob = append(blob, b...)
		return off
	}

	methodCount := 0
	for _, tt := range types {
		methodCount += len(tt.methods)
	}

	// #~ stream: Module, TypeDef, and MethodDef tables with 2-byte indexes
	// throughout (all heaps and row counts are tiny).
	var tw imageWriter
	tw.u32(0)
	tw.u8(2) // major
	tw.u8(0) // minor
	tw.u8(0) // heap sizes
	tw.u8(1)
	tw.u64(1<<tblModule | 1<<tblTypeDef | 1<<tblMethodDef)
	tw.u64(0) // sorted
	tw.u32(1)
	tw.u32(uint32(len(types)))
	tw.u32(uint32(methodCount))

	// Module row.
	tw.u16(0)
	tw.u16(uint16(internStr("test.dll")))
	tw.u16(1) // mvid
	tw.u16(0)
	tw.u16(0)

	// TypeDef rows.
	methodList := uint16(1)
	for _, tt := range types {
		tw.u32(tt.flags)
		tw.u16(uint16(internStr(tt.name)))
		tw.u16(uint16(internStr(tt.namespace)))
		tw.u16(0) // extends
		tw.u16(1) // field list
		tw.u16(methodList)
		methodList += uint16(len(tt.methods))
	}

	// MethodDef rows.
	for ti := range types {
		for mi := range types[ti].methods {
			m := &types[ti].methods[mi]
			tw.u32(rvas[m])
			tw.u16(0) // impl flags
			tw.u16(m.flags)
			tw.u16(uint16(internStr(m.name)))
			tw.u16(uint16(internBlob(m.sig)))
			tw.u16(1) // param list
		}
	}

	tables := tw.bytes()
	tables = append(tables, make([]byte, (4-len(tables)%4)%4)...)
	strings = append(strings, make([]byte, (4-len(strings)%4)%4)...)
	guid := make([]byte, 16)

	const rootHeaderSize = 32 + 12 + 20 + 16 + 16 // fixed root + 4 stream headers
	offTables := rootHeaderSize
	offStrings := offTables + len(tables)
	offGUID := offStrings + len(strings)
	offBlob := offGUID + len(guid)

	var w imageWriter
	w.u32(metadataSignature)
	w.u16(1)
	w.u16(1)
	w.u32(0)
	w.u32(12)
	w.str("v4.0.30319\x00\x00")
	w.u16(0)
	w.u16(4)

	w.u32(uint32(offTables))
	w.u32(uint32(len(tables)))
	w.str("#~\x00\x00")
	w.u32(uint32(offStrings))
	w.u32(uint32(len(strings)))
	w.str("#Strings\x00\x00\x00\x00")
	w.u32(uint32(offGUID))
	w.u32(uint32(len(guid)))
	w.str("#GUID\x00\x00\x00")
	w.u32(uint32(offBlob))
	w.u32(uint32(len(blob)))
	w.str("#Blob\x00\x00\x00")

	require.Equal(t, rootHeaderSize, w.buf.Len())
	w.raw(tables)
	w.raw(strings)
	w.raw(guid)
	w.raw(blob)

	return w.bytes()
}

// sigReturns builds a MethodDefSig blob with the given return-type bytes and
// paramCount parameters of type int32.
func sigReturns(hasThis bool, paramCount int, ret ...byte) []byte {
	conv := byte(0)
	if hasThis {
		conv = sigHasThis
	}
	sig := append([]byte{conv, byte(paramCount)}, ret...)
	for i := 0; i < paramCount; i++ {
		sig = append(sig, elemI4)
	}
	return sig
}

func tinyBody(code ...byte) []byte {
	return append([]byte{byte(len(code))<<2 | bodyTiny}, code...)
}

func fatBody(moreSects bool, code []byte) []byte {
	flags := uint16(0x13) // fat | init locals
	if moreSects {
		flags |= fatFlagMoreSects
	}
	var w imageWriter
	w.u16(flags | 3<<12)
	w.u16(8) // max stack
	w.u32(uint32(len(code)))
	w.u32(0) // local var sig
	w.raw(code)
	return w.bytes()
}

// sampleImage is the assembly most tests use: type Demo.Sample with a spread
// of return types and body shapes, plus a second namespaced type.
func sampleImage(t *testing.T) []byte {
	t.Helper()
	return buildTestImage(t, []testType{
		{name: "<Module>"},
		{namespace: "Demo", name: "Sample", flags: 0x100001, methods: []testMethod{
			{name: "Compute", flags: 0x0006, sig: sigReturns(true, 2, elemI4), body: tinyBody(0x1F, 42, opRet)},
			{name: "ComputeStatic", flags: 0x0016, sig: sigReturns(false, 0, elemI4), body: tinyBody(0x1F, 7, opRet)},
			{name: "Describe", flags: 0x0006, sig: sigReturns(true, 0, elemString), body: tinyBody(opLdnull, opRet)},
			{name: "Total", flags: 0x0006, sig: sigReturns(true, 1, elemI8), body: fatBody(false, append(bytes.Repeat([]byte{0x00}, 15), opRet))},
			{name: "Guarded", flags: 0x0006, sig: sigReturns(true, 0, elemI4), body: fatBody(true, []byte{0x1F, 9, opRet, 0x00})},
			{name: "Abstract", flags: 0x0006, sig: sigReturns(true, 0, elemI4), noBody: true},
			{name: "Lost", flags: 0x0006, sig: sigReturns(true, 0, elemI4), rva: 0x9000},
			{name: "Scale", flags: 0x0006, sig: sigReturns(true, 1, elemR8), body: tinyBody(0x23, 0, 0, 0, 0, 0, 0, 0, 0, opRet)},
			{name: "Ratio", flags: 0x0006, sig: sigReturns(true, 0, elemR4), body: tinyBody(0x22, 0, 0, 0, 0, opRet)},
			{name: "Handle", flags: 0x0006, sig: sigReturns(true, 0, elemI), body: tinyBody(opLdcI40, opConvI, opRet)},
			{name: "Box", flags: 0x0006, sig: sigReturns(true, 0, elemValueType, 0x09), body: tinyBody(opRet)},
			{name: "Flag", flags: 0x0006, sig: sigReturns(true, 0, elemBoolean), body: tinyBody(opLdcI40, opRet)},
			{name: "Stub", flags: 0x0006, sig: sigReturns(true, 0, elemI4), body: tinyBody(opRet)},
			{name: "Compute", flags: 0x0006, sig: sigReturns(true, 0, elemR8), body: tinyBody(opLdcI40, opConvR8, opRet)},
		}},
		{namespace: "Acme", name: "Util", flags: 0x100001, methods: []testMethod{
			{name: "Helper", flags: 0x0016, sig: sigReturns(false, 0, elemVoid), body: tinyBody(opRet)},
		}},
	})
}
