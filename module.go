package ilpatch

import (
	"bytes"
	"debug/pe"
	"errors"
	"fmt"
	"os"
)

// Module is a read-only view of an opened assembly: its raw bytes, section
// table, and enough decoded metadata to find types and methods.
type Module struct {
	data     []byte
	sections []section
	md       *metadata
	types    []TypeEntry
}

type section struct {
	name    string
	va      uint32
	vsize   uint32
	rawOff  uint32
	rawSize uint32
}

// TypeEntry identifies one TypeDef and the MethodDef rows it owns.
type TypeEntry struct {
	Name string // Namespace.Name; bare Name when the namespace is empty

	mod         *Module
	first, last int // MethodDef row range, 0-based, half-open
}

// MethodDescriptor identifies a method definition well enough to locate and
// classify its body.
type MethodDescriptor struct {
	TypeName   string
	Name       string
	ParamCount int
	Return     ReturnCategory
	RVA        uint32
	Static     bool
	Generic    bool
}

// Method attribute flags (II.23.1.10).
const methodFlagStatic = 0x0010

// Open reads and parses the assembly at path.
func Open(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open module: %w", err)
	}
	m, err := OpenBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// OpenBytes parses an assembly already held in memory. The Module keeps a
// reference to data and never mutates it.
func OpenBytes(data []byte) (*Module, error) {
	pf, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse PE: %w", err)
	}
	defer pf.Close()

	m := &Module{data: data}
	for _, s := range pf.Sections {
		vsize := s.VirtualSize
		if vsize == 0 {
			vsize = s.Size
		}
		m.sections = append(m.sections, section{
			name:    s.Name,
			va:      s.VirtualAddress,
			vsize:   vsize,
			rawOff:  s.Offset,
			rawSize: s.Size,
		})
	}

	cliRVA, err := comDescriptorRVA(pf)
	if err != nil {
		return nil, err
	}
	if err := m.parseCLIHeader(cliRVA); err != nil {
		return nil, err
	}

	m.buildTypeEntries()
	return m, nil
}

// comDescriptorRVA returns the RVA of the CLI header from data directory 14.
func comDescriptorRVA(pf *pe.File) (uint32, error) {
	var dirs []pe.DataDirectory
	switch oh := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		dirs = oh.DataDirectory[:]
	case *pe.OptionalHeader64:
		dirs = oh.DataDirectory[:]
	default:
		return 0, errors.New("missing optional header")
	}

	const comDescriptorEntry = 14
	if len(dirs) <= comDescriptorEntry || dirs[comDescriptorEntry].VirtualAddress == 0 {
		return 0, errors.New("not a CLI image: no COM descriptor directory")
	}
	return dirs[comDescriptorEntry].VirtualAddress, nil
}

func (m *Module) parseCLIHeader(rva uint32) error {
	off, err := m.rvaToOffset(rva)
	if err != nil {
		return fmt.Errorf("CLI header: %w", err)
	}

	r := &reader{data: m.data, pos: off}
	cb := r.u32()
	r.skip(2 + 2) // runtime major, minor
	mdRVA := r.u32()
	mdSize := r.u32()
	if r.err != nil || cb < 72 {
		return errors.New("truncated CLI header")
	}

	mdOff, err := m.rvaToOffset(mdRVA)
	if err != nil {
		return fmt.Errorf("metadata root: %w", err)
	}
	if int64(mdOff)+int64(mdSize) > int64(len(m.data)) {
		return errors.New("metadata extends past end of file")
	}

	md, err := parseMetadata(m.data[mdOff : mdOff+int(mdSize)])
	if err != nil {
		return err
	}
	m.md = md
	return nil
}

func (m *Module) buildTypeEntries() {
	total := len(m.md.methodDefs)
	m.types = make([]TypeEntry, len(m.md.typeDefs))
	for i, td := range m.md.typeDefs {
		first := clamp(int(td.methodList)-1, 0, total)
		last := total
		if i+1 < len(m.md.typeDefs) {
			last = clamp(int(m.md.typeDefs[i+1].methodList)-1, first, total)
		}
		m.types[i] = TypeEntry{
			Name:  qualifiedName(m.md.str(td.namespace), m.md.str(td.name)),
			mod:   m,
			first: first,
			last:  last,
		}
	}
}

func qualifiedName(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Types lists every type defined in the module, in declaration order.
func (m *Module) Types() []*TypeEntry {
	out := make([]*TypeEntry, len(m.types))
	for i := range m.types {
		out[i] = &m.types[i]
	}
	return out
}

// FindType looks up a type by its qualified Namespace.Name.
func (m *Module) FindType(fullName string) (*TypeEntry, bool) {
	for i := range m.types {
		if m.types[i].Name == fullName {
			return &m.types[i], true
		}
	}
	return nil, false
}

// FindMethod looks up a method by name within t. When the name is
// overloaded the first declared match wins; there is no signature
// disambiguation.
func (m *Module) FindMethod(t *TypeEntry, name string) (*MethodDescriptor, bool) {
	for row := t.first; row < t.last; row++ {
		if m.md.str(m.md.methodDefs[row].name) == name {
			d := m.describeMethod(t.Name, row)
			return &d, true
		}
	}
	return nil, false
}

// Methods lists every method the type declares, in declaration order.
func (t *TypeEntry) Methods() []MethodDescriptor {
	out := make([]MethodDescriptor, 0, t.last-t.first)
	for row := t.first; row < t.last; row++ {
		out = append(out, t.mod.describeMethod(t.Name, row))
	}
	return out
}

func (m *Module) describeMethod(typeName string, row int) MethodDescriptor {
	def := m.md.methodDefs[row]
	d := MethodDescriptor{
		TypeName: typeName,
		Name:     m.md.str(def.name),
		RVA:      def.rva,
		Static:   def.flags&methodFlagStatic != 0,
		Return:   RetUnsupported,
	}

	// An undecodable signature leaves the descriptor marked unsupported,
	// which downstream stages refuse rather than guessing.
	if blob, err := m.md.blobAt(def.signature); err == nil {
		if sig, err := parseMethodSig(blob); err == nil {
			d.ParamCount = sig.paramCount
			d.Return = sig.ret
			d.Generic = sig.generic
		}
	}
	return d
}

// rvaToOffset maps a relative virtual address to a file offset through the
// section table.
func (m *Module) rvaToOffset(rva uint32) (int, error) {
	for _, s := range m.sections {
		if rva < s.va || rva-s.va >= s.vsize {
			continue
		}
		delta := rva - s.va
		if delta >= s.rawSize {
			// Mapped, but into zero-initialized data with no file bytes.
			return 0, fmt.Errorf("%w: rva 0x%x is uninitialized in section %s", ErrOffsetMapping, rva, s.name)
		}
		off := int(s.rawOff + delta)
		if off >= len(m.data) {
			return 0, fmt.Errorf("%w: rva 0x%x maps past end of file", ErrOffsetMapping, rva)
		}
		return off, nil
	}
	return 0, fmt.Errorf("%w: rva 0x%x", ErrOffsetMapping, rva)
}
