package ilpatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ECMA-335 metadata table numbers.
const (
	tblModule                 = 0x00
	tblTypeRef                = 0x01
	tblTypeDef                = 0x02
	tblFieldPtr               = 0x03
	tblField                  = 0x04
	tblMethodPtr              = 0x05
	tblMethodDef              = 0x06
	tblParamPtr               = 0x07
	tblParam                  = 0x08
	tblInterfaceImpl          = 0x09
	tblMemberRef              = 0x0A
	tblConstant               = 0x0B
	tblCustomAttribute        = 0x0C
	tblFieldMarshal           = 0x0D
	tblDeclSecurity           = 0x0E
	tblClassLayout            = 0x0F
	tblFieldLayout            = 0x10
	tblStandAloneSig          = 0x11
	tblEventMap               = 0x12
	tblEventPtr               = 0x13
	tblEvent                  = 0x14
	tblPropertyMap            = 0x15
	tblPropertyPtr            = 0x16
	tblProperty               = 0x17
	tblMethodSemantics        = 0x18
	tblMethodImpl             = 0x19
	tblModuleRef              = 0x1A
	tblTypeSpec               = 0x1B
	tblImplMap                = 0x1C
	tblFieldRVA               = 0x1D
	tblENCLog                 = 0x1E
	tblENCMap                 = 0x1F
	tblAssembly               = 0x20
	tblAssemblyProcessor      = 0x21
	tblAssemblyOS             = 0x22
	tblAssemblyRef            = 0x23
	tblAssemblyRefProcessor   = 0x24
	tblAssemblyRefOS          = 0x25
	tblFile                   = 0x26
	tblExportedType           = 0x27
	tblManifestResource       = 0x28
	tblNestedClass            = 0x29
	tblGenericParam           = 0x2A
	tblMethodSpec             = 0x2B
	tblGenericParamConstraint = 0x2C

	numTables = 0x2D
)

// Coded index groups (II.24.2.6). Only the member set matters here: it
// decides whether the index is stored in 2 or 4 bytes.
const (
	cgTypeDefOrRef = iota
	cgHasConstant
	cgHasCustomAttribute
	cgHasFieldMarshal
	cgHasDeclSecurity
	cgMemberRefParent
	cgHasSemantics
	cgMethodDefOrRef
	cgMemberForwarded
	cgImplementation
	cgCustomAttributeType
	cgResolutionScope
	cgTypeOrMethodDef
)

type codedGroup struct {
	bits   uint
	tables []int
}

var codedGroups = [...]codedGroup{
	cgTypeDefOrRef:        {2, []int{tblTypeDef, tblTypeRef, tblTypeSpec}},
	cgHasConstant:         {2, []int{tblField, tblParam, tblProperty}},
	cgHasCustomAttribute:  {5, []int{tblMethodDef, tblField, tblTypeRef, tblTypeDef, tblParam, tblInterfaceImpl, tblMemberRef, tblModule, tblDeclSecurity, tblProperty, tblEvent, tblStandAloneSig, tblModuleRef, tblTypeSpec, tblAssembly, tblAssemblyRef, tblFile, tblExportedType, tblManifestResource, tblGenericParam, tblGenericParamConstraint, tblMethodSpec}},
	cgHasFieldMarshal:     {1, []int{tblField, tblParam}},
	cgHasDeclSecurity:     {2, []int{tblTypeDef, tblMethodDef, tblAssembly}},
	cgMemberRefParent:     {3, []int{tblTypeDef, tblTypeRef, tblModuleRef, tblMethodDef, tblTypeSpec}},
	cgHasSemantics:        {1, []int{tblEvent, tblProperty}},
	cgMethodDefOrRef:      {1, []int{tblMethodDef, tblMemberRef}},
	cgMemberForwarded:     {1, []int{tblField, tblMethodDef}},
	cgImplementation:      {2, []int{tblFile, tblAssemblyRef, tblExportedType}},
	cgCustomAttributeType: {3, []int{tblMethodDef, tblMemberRef}},
	cgResolutionScope:     {2, []int{tblModule, tblModuleRef, tblAssemblyRef, tblTypeRef}},
	cgTypeOrMethodDef:     {1, []int{tblTypeDef, tblMethodDef}},
}

type colKind int

const (
	colUint16 colKind = iota
	colUint32
	colString
	colGUID
	colBlob
	colTable
	colCoded
)

type column struct {
	kind colKind
	arg  int
}

func u16c() column       { return column{kind: colUint16} }
func u32c() column       { return column{kind: colUint32} }
func strc() column       { return column{kind: colString} }
func guidc() column      { return column{kind: colGUID} }
func blobc() column      { return column{kind: colBlob} }
func idxc(t int) column  { return column{kind: colTable, arg: t} }
func coded(g int) column { return column{kind: colCoded, arg: g} }

// Row layouts per II.22. Every table must be sized correctly even when its
// rows are skipped, or everything after it lands at the wrong offset.
var tableSchemas = [numTables][]column{
	tblModule:                 {u16c(), strc(), guidc(), guidc(), guidc()},
	tblTypeRef:                {coded(cgResolutionScope), strc(), strc()},
	tblTypeDef:                {u32c(), strc(), strc(), coded(cgTypeDefOrRef), idxc(tblField), idxc(tblMethodDef)},
	tblFieldPtr:               {idxc(tblField)},
	tblField:                  {u16c(), strc(), blobc()},
	tblMethodPtr:              {idxc(tblMethodDef)},
	tblMethodDef:              {u32c(), u16c(), u16c(), strc(), blobc(), idxc(tblParam)},
	tblParamPtr:               {idxc(tblParam)},
	tblParam:                  {u16c(), u16c(), strc()},
	tblInterfaceImpl:          {idxc(tblTypeDef), coded(cgTypeDefOrRef)},
	tblMemberRef:              {coded(cgMemberRefParent), strc(), blobc()},
	tblConstant:               {u16c(), coded(cgHasConstant), blobc()},
	tblCustomAttribute:        {coded(cgHasCustomAttribute), coded(cgCustomAttributeType), blobc()},
	tblFieldMarshal:           {coded(cgHasFieldMarshal), blobc()},
	tblDeclSecurity:           {u16c(), coded(cgHasDeclSecurity), blobc()},
	tblClassLayout:            {u16c(), u32c(), idxc(tblTypeDef)},
	tblFieldLayout:            {u32c(), idxc(tblField)},
	tblStandAloneSig:          {blobc()},
	tblEventMap:               {idxc(tblTypeDef), idxc(tblEvent)},
	tblEventPtr:               {idxc(tblEvent)},
	tblEvent:                  {u16c(), strc(), coded(cgTypeDefOrRef)},
	tblPropertyMap:            {idxc(tblTypeDef), idxc(tblProperty)},
	tblPropertyPtr:            {idxc(tblProperty)},
	tblProperty:               {u16c(), strc(), blobc()},
	tblMethodSemantics:        {u16c(), idxc(tblMethodDef), coded(cgHasSemantics)},
	tblMethodImpl:             {idxc(tblTypeDef), coded(cgMethodDefOrRef), coded(cgMethodDefOrRef)},
	tblModuleRef:              {strc()},
	tblTypeSpec:               {blobc()},
	tblImplMap:                {u16c(), coded(cgMemberForwarded), strc(), idxc(tblModuleRef)},
	tblFieldRVA:               {u32c(), idxc(tblField)},
	tblENCLog:                 {u32c(), u32c()},
	tblENCMap:                 {u32c()},
	tblAssembly:               {u32c(), u16c(), u16c(), u16c(), u16c(), u32c(), blobc(), strc(), strc()},
	tblAssemblyProcessor:      {u32c()},
	tblAssemblyOS:             {u32c(), u32c(), u32c()},
	tblAssemblyRef:            {u16c(), u16c(), u16c(), u16c(), u32c(), blobc(), strc(), strc(), blobc()},
	tblAssemblyRefProcessor:   {u32c(), idxc(tblAssemblyRef)},
	tblAssemblyRefOS:          {u32c(), u32c(), u32c(), idxc(tblAssemblyRef)},
	tblFile:                   {u32c(), strc(), blobc()},
	tblExportedType:           {u32c(), u32c(), strc(), strc(), coded(cgImplementation)},
	tblManifestResource:       {u32c(), u32c(), strc(), coded(cgImplementation)},
	tblNestedClass:            {idxc(tblTypeDef), idxc(tblTypeDef)},
	tblGenericParam:           {u16c(), u16c(), coded(cgTypeOrMethodDef), strc()},
	tblMethodSpec:             {coded(cgMethodDefOrRef), blobc()},
	tblGenericParamConstraint: {idxc(tblGenericParam), coded(cgTypeDefOrRef)},
}

const (
	heapSizeStrings = 0x01
	heapSizeGUID    = 0x02
	heapSizeBlob    = 0x04
)

type typeDefRow struct {
	flags      uint32
	name       uint32
	namespace  uint32
	methodList uint32 // 1-based MethodDef row
}

type methodDefRow struct {
	rva       uint32
	implFlags uint16
	flags     uint16
	name      uint32
	signature uint32
}

type metadata struct {
	strings []byte
	blob    []byte

	typeDefs   []typeDefRow
	methodDefs []methodDefRow
}

const metadataSignature = 0x424A5342 // "BSJB"

// parseMetadata decodes the physical metadata blob: root header, stream
// headers, and the #~ table stream down to the TypeDef and MethodDef rows.
func parseMetadata(data []byte) (*metadata, error) {
	r := &reader{data: data}

	if r.u32() != metadataSignature {
		return nil, errors.New("bad metadata signature")
	}
	r.skip(2 + 2 + 4) // major, minor, reserved
	verLen := r.u32()
	r.skip(int(verLen)) // version string, padded by the writer
	r.skip(2)           // flags
	streamCount := r.u16()
	if r.err != nil {
		return nil, fmt.Errorf("truncated metadata root: %w", r.err)
	}

	streams := make(map[string][]byte, streamCount)
	for i := 0; i < int(streamCount); i++ {
		off := r.u32()
		size := r.u32()
		name := r.cstrPad4()
		if r.err != nil {
			return nil, fmt.Errorf("truncated stream header: %w", r.err)
		}
		if int64(off)+int64(size) > int64(len(data)) {
			return nil, fmt.Errorf("stream %q extends past metadata end", name)
		}
		streams[name] = data[off : off+size]
	}

	tables, ok := streams["#~"]
	if !ok {
		// "#-" is the unoptimized (ENC) variant; same physical layout.
		if tables, ok = streams["#-"]; !ok {
			return nil, errors.New("no table stream")
		}
	}

	md := &metadata{
		strings: streams["#Strings"],
		blob:    streams["#Blob"],
	}
	if err := md.parseTables(tables); err != nil {
		return nil, err
	}
	return md, nil
}

func (md *metadata) parseTables(data []byte) error {
	r := &reader{data: data}
	r.skip(4) // reserved
	r.skip(2) // major, minor version
	heapSizes := r.u8()
	r.skip(1) // reserved
	valid := r.u64()
	r.skip(8) // sorted mask
	if r.err != nil {
		return fmt.Errorf("truncated table stream header: %w", r.err)
	}

	var s tableSizes
	s.strIdx = heapIdxSize(heapSizes, heapSizeStrings)
	s.guidIdx = heapIdxSize(heapSizes, heapSizeGUID)
	s.blobIdx = heapIdxSize(heapSizes, heapSizeBlob)

	for i := 0; i < 64; i++ {
		if valid&(1<<uint(i)) == 0 {
			continue
		}
		if i >= numTables {
			return fmt.Errorf("unknown metadata table 0x%02x", i)
		}
		s.rows[i] = r.u32()
	}
	if r.err != nil {
		return fmt.Errorf("truncated row counts: %w", r.err)
	}

	for t := 0; t < numTables; t++ {
		n := int(s.rows[t])
		if n == 0 {
			continue
		}
		size := s.rowSize(t)
		switch t {
		case tblTypeDef:
			md.typeDefs = make([]typeDefRow, n)
			for i := range md.typeDefs {
				md.typeDefs[i] = readTypeDefRow(r, &s)
			}
		case tblMethodDef:
			md.methodDefs = make([]methodDefRow, n)
			for i := range md.methodDefs {
				md.methodDefs[i] = readMethodDefRow(r, &s)
			}
		default:
			r.skip(n * size)
		}
	}
	if r.err != nil {
		return fmt.Errorf("truncated table rows: %w", r.err)
	}
	return nil
}

func readTypeDefRow(r *reader, s *tableSizes) typeDefRow {
	var row typeDefRow
	row.flags = r.u32()
	row.name = r.uint(s.strIdx)
	row.namespace = r.uint(s.strIdx)
	r.skip(s.codedIdxSize(cgTypeDefOrRef)) // extends
	r.skip(s.tableIdxSize(tblField))       // field list
	row.methodList = r.uint(s.tableIdxSize(tblMethodDef))
	return row
}

func readMethodDefRow(r *reader, s *tableSizes) methodDefRow {
	var row methodDefRow
	row.rva = r.u32()
	row.implFlags = r.u16()
	row.flags = r.u16()
	row.name = r.uint(s.strIdx)
	row.signature = r.uint(s.blobIdx)
	r.skip(s.tableIdxSize(tblParam)) // param list
	return row
}

type tableSizes struct {
	rows    [numTables]uint32
	strIdx  int
	guidIdx int
	blobIdx int
}

func heapIdxSize(heapSizes, bit byte) int {
	if heapSizes&bit != 0 {
		return 4
	}
	return 2
}

func (s *tableSizes) tableIdxSize(t int) int {
	if s.rows[t] > 0xFFFF {
		return 4
	}
	return 2
}

func (s *tableSizes) codedIdxSize(g int) int {
	group := codedGroups[g]
	var max uint32
	for _, t := range group.tables {
		if s.rows[t] > max {
			max = s.rows[t]
		}
	}
	if max >= 1<<(16-group.bits) {
		return 4
	}
	return 2
}

func (s *tableSizes) rowSize(t int) int {
	size := 0
	for _, c := range tableSchemas[t] {
		switch c.kind {
		case colUint16:
			size += 2
		case colUint32:
			size += 4
		case colString:
			size += s.strIdx
		case colGUID:
			size += s.guidIdx
		case colBlob:
			size += s.blobIdx
		case colTable:
			size += s.tableIdxSize(c.arg)
		case colCoded:
			size += s.codedIdxSize(c.arg)
		}
	}
	return size
}

// str reads a null-terminated UTF-8 string from the #Strings heap.
func (md *metadata) str(off uint32) string {
	if int64(off) >= int64(len(md.strings)) {
		return ""
	}
	b := md.strings[off:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// blobAt returns the length-prefixed blob starting at off in the #Blob heap.
func (md *metadata) blobAt(off uint32) ([]byte, error) {
	if int64(off) >= int64(len(md.blob)) {
		return nil, fmt.Errorf("blob offset 0x%x out of range", off)
	}
	r := &reader{data: md.blob, pos: int(off)}
	n := readCompressedUint(r)
	if r.err != nil || r.pos+int(n) > len(md.blob) {
		return nil, fmt.Errorf("truncated blob at 0x%x", off)
	}
	return md.blob[r.pos : r.pos+int(n)], nil
}

// reader is a bounds-checked little-endian cursor. The first out-of-range
// read sets err and every later read yields zero.
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = io.ErrUnexpectedEOF
	}
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data)-r.pos {
		r.fail()
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) skip(n int) {
	r.bytes(n)
}

func (r *reader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// uint reads a 2- or 4-byte index, widened to uint32.
func (r *reader) uint(size int) uint32 {
	if size == 2 {
		return uint32(r.u16())
	}
	return r.u32()
}

// cstrPad4 reads a null-terminated stream name padded to a 4-byte boundary.
func (r *reader) cstrPad4() string {
	start := r.pos
	for r.pos < len(r.data) && r.data[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.data) {
		r.fail()
		return ""
	}
	s := string(r.data[start:r.pos])
	r.pos++ // terminator
	n := r.pos - start
	r.skip((4 - n%4) % 4)
	return s
}
