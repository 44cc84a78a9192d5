package elfsplice

import (
	"encoding/binary"
)

// Class is the ELF class (32-bit vs 64-bit), taken from e_ident[EI_CLASS].
type Class uint8

const (
	Class32 Class = 1
	Class64 Class = 2
)

func (c Class) String() string {
	switch c {
	case Class32:
		return "ELFCLASS32"
	case Class64:
		return "ELFCLASS64"
	default:
		return "unknown class"
	}
}

// Data is the byte order, taken from e_ident[EI_DATA].
type Data uint8

const (
	Data2LSB Data = 1
	Data2MSB Data = 2
)

func (d Data) Order() binary.ByteOrder {
	if d == Data2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Ident is the (class, byte order) pair that governs integer widths for
// every record in this file, per spec §3: "Both inputs must agree on class
// ... and byte order; this governs integer widths in every record."
type Ident struct {
	Class Class
	Data  Data
}

func (id Ident) Order() binary.ByteOrder { return id.Data.Order() }
func (id Ident) Is64() bool              { return id.Class == Class64 }

// relShift is the class-dependent shift used to pack/unpack r_info, per
// spec §3: "W = 32 for 64-bit, W = 8 for 32-bit".
func (id Ident) relShift() uint {
	if id.Is64() {
		return 32
	}
	return 8
}

// Section types, symbol binding/type, and dynamic tag kinds this tool
// reads or rewrites. Grounded on the teacher's elf_sections.go constant
// block, extended with the verneed/version tags the spec additionally
// requires (VERSYM/VERNEED/VERNEEDNUM) and the REL/RELSZ/RELENT triad the
// teacher's Rela-only writer never needed.
const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_HASH     = 5
	SHT_DYNAMIC  = 6
	SHT_NOBITS   = 8
	SHT_REL      = 9
	SHT_DYNSYM   = 11
	SHT_GNU_VERSYM  = 0x6fffffff
	SHT_GNU_VERNEED = 0x6ffffffe

	PT_NULL    = 0
	PT_LOAD    = 1
	PT_DYNAMIC = 2
	PT_INTERP  = 3
	PT_PHDR    = 6

	PF_X = 0x1
	PF_W = 0x2
	PF_R = 0x4

	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STT_NOTYPE = 0
	STT_FUNC   = 2

	DT_NULL       = 0
	DT_NEEDED     = 1
	DT_PLTRELSZ   = 2
	DT_PLTGOT     = 3
	DT_HASH       = 4
	DT_STRTAB     = 5
	DT_SYMTAB     = 6
	DT_RELA       = 7
	DT_RELASZ     = 8
	DT_RELAENT    = 9
	DT_STRSZ      = 10
	DT_SYMENT     = 11
	DT_REL        = 17
	DT_RELSZ      = 18
	DT_RELENT     = 19
	DT_PLTREL     = 20
	DT_DEBUG      = 21
	DT_JMPREL     = 23
	DT_GNU_HASH   = 0x6ffffef5
	DT_VERSYM     = 0x6ffffff0
	DT_VERNEED    = 0x6ffffffe
	DT_VERNEEDNUM = 0x6fffffff
)

// Ehdr is the ELF file header, widened to 64-bit storage regardless of
// class; Encode/Decode narrow or widen the wire fields as needed.
type Ehdr struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

func EhdrSize(class Class) int {
	if class == Class64 {
		return 64
	}
	return 52
}

func DecodeEhdr(b []byte) (Ehdr, Ident, error) {
	var e Ehdr
	if len(b) < 16 || b[0] != 0x7f || b[1] != 'E' || b[2] != 'L' || b[3] != 'F' {
		return e, Ident{}, ParseError(Context{Record: "Ehdr"}, "missing ELF magic")
	}
	id := Ident{Class: Class(b[4]), Data: Data(b[5])}
	if id.Class != Class32 && id.Class != Class64 {
		return e, id, ParseError(Context{Record: "Ehdr"}, "unsupported ELF class %d", b[4])
	}
	if id.Data != Data2LSB && id.Data != Data2MSB {
		return e, id, ParseError(Context{Record: "Ehdr"}, "unsupported byte order %d", b[5])
	}
	size := EhdrSize(id.Class)
	if len(b) < size {
		return e, id, ParseError(Context{Record: "Ehdr"}, "truncated ELF header: have %d bytes, need %d", len(b), size)
	}
	ord := id.Order()
	copy(e.Ident[:], b[:16])
	e.Type = ord.Uint16(b[16:18])
	e.Machine = ord.Uint16(b[18:20])
	e.Version = ord.Uint32(b[20:24])
	if id.Is64() {
		e.Entry = ord.Uint64(b[24:32])
		e.Phoff = ord.Uint64(b[32:40])
		e.Shoff = ord.Uint64(b[40:48])
		e.Flags = ord.Uint32(b[48:52])
		e.Ehsize = ord.Uint16(b[52:54])
		e.Phentsize = ord.Uint16(b[54:56])
		e.Phnum = ord.Uint16(b[56:58])
		e.Shentsize = ord.Uint16(b[58:60])
		e.Shnum = ord.Uint16(b[60:62])
		e.Shstrndx = ord.Uint16(b[62:64])
	} else {
		e.Entry = uint64(ord.Uint32(b[24:28]))
		e.Phoff = uint64(ord.Uint32(b[28:32]))
		e.Shoff = uint64(ord.Uint32(b[32:36]))
		e.Flags = ord.Uint32(b[36:40])
		e.Ehsize = ord.Uint16(b[40:42])
		e.Phentsize = ord.Uint16(b[42:44])
		e.Phnum = ord.Uint16(b[44:46])
		e.Shentsize = ord.Uint16(b[46:48])
		e.Shnum = ord.Uint16(b[48:50])
		e.Shstrndx = ord.Uint16(b[50:52])
	}
	return e, id, nil
}

func EncodeEhdr(id Ident, e Ehdr) []byte {
	size := EhdrSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	copy(b[:16], e.Ident[:])
	ord.PutUint16(b[16:18], e.Type)
	ord.PutUint16(b[18:20], e.Machine)
	ord.PutUint32(b[20:24], e.Version)
	if id.Is64() {
		ord.PutUint64(b[24:32], e.Entry)
		ord.PutUint64(b[32:40], e.Phoff)
		ord.PutUint64(b[40:48], e.Shoff)
		ord.PutUint32(b[48:52], e.Flags)
		ord.PutUint16(b[52:54], e.Ehsize)
		ord.PutUint16(b[54:56], e.Phentsize)
		ord.PutUint16(b[56:58], e.Phnum)
		ord.PutUint16(b[58:60], e.Shentsize)
		ord.PutUint16(b[60:62], e.Shnum)
		ord.PutUint16(b[62:64], e.Shstrndx)
	} else {
		ord.PutUint32(b[24:28], uint32(e.Entry))
		ord.PutUint32(b[28:32], uint32(e.Phoff))
		ord.PutUint32(b[32:36], uint32(e.Shoff))
		ord.PutUint32(b[36:40], e.Flags)
		ord.PutUint16(b[40:42], e.Ehsize)
		ord.PutUint16(b[42:44], e.Phentsize)
		ord.PutUint16(b[44:46], e.Phnum)
		ord.PutUint16(b[46:48], e.Shentsize)
		ord.PutUint16(b[48:50], e.Shnum)
		ord.PutUint16(b[50:52], e.Shstrndx)
	}
	return b
}

// Phdr is a program header (segment descriptor).
type Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

func PhdrSize(class Class) int {
	if class == Class64 {
		return 56
	}
	return 32
}

func DecodePhdr(id Ident, b []byte) (Phdr, error) {
	var p Phdr
	size := PhdrSize(id.Class)
	if len(b) < size {
		return p, ParseError(Context{Record: "Phdr"}, "truncated program header")
	}
	ord := id.Order()
	if id.Is64() {
		p.Type = ord.Uint32(b[0:4])
		p.Flags = ord.Uint32(b[4:8])
		p.Offset = ord.Uint64(b[8:16])
		p.Vaddr = ord.Uint64(b[16:24])
		p.Paddr = ord.Uint64(b[24:32])
		p.Filesz = ord.Uint64(b[32:40])
		p.Memsz = ord.Uint64(b[40:48])
		p.Align = ord.Uint64(b[48:56])
	} else {
		p.Type = ord.Uint32(b[0:4])
		p.Offset = uint64(ord.Uint32(b[4:8]))
		p.Vaddr = uint64(ord.Uint32(b[8:12]))
		p.Paddr = uint64(ord.Uint32(b[12:16]))
		p.Filesz = uint64(ord.Uint32(b[16:20]))
		p.Memsz = uint64(ord.Uint32(b[20:24]))
		p.Flags = ord.Uint32(b[24:28])
		p.Align = uint64(ord.Uint32(b[28:32]))
	}
	return p, nil
}

func EncodePhdr(id Ident, p Phdr) []byte {
	size := PhdrSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	if id.Is64() {
		ord.PutUint32(b[0:4], p.Type)
		ord.PutUint32(b[4:8], p.Flags)
		ord.PutUint64(b[8:16], p.Offset)
		ord.PutUint64(b[16:24], p.Vaddr)
		ord.PutUint64(b[24:32], p.Paddr)
		ord.PutUint64(b[32:40], p.Filesz)
		ord.PutUint64(b[40:48], p.Memsz)
		ord.PutUint64(b[48:56], p.Align)
	} else {
		ord.PutUint32(b[0:4], p.Type)
		ord.PutUint32(b[4:8], uint32(p.Offset))
		ord.PutUint32(b[8:12], uint32(p.Vaddr))
		ord.PutUint32(b[12:16], uint32(p.Paddr))
		ord.PutUint32(b[16:20], uint32(p.Filesz))
		ord.PutUint32(b[20:24], uint32(p.Memsz))
		ord.PutUint32(b[24:28], p.Flags)
		ord.PutUint32(b[28:32], uint32(p.Align))
	}
	return b
}

// Shdr is a section header.
type Shdr struct {
	Name      uint32
	Type      uint32
	Flags     uint64
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func ShdrSize(class Class) int {
	if class == Class64 {
		return 64
	}
	return 40
}

func DecodeShdr(id Ident, b []byte) (Shdr, error) {
	var s Shdr
	size := ShdrSize(id.Class)
	if len(b) < size {
		return s, ParseError(Context{Record: "Shdr"}, "truncated section header")
	}
	ord := id.Order()
	s.Name = ord.Uint32(b[0:4])
	s.Type = ord.Uint32(b[4:8])
	if id.Is64() {
		s.Flags = ord.Uint64(b[8:16])
		s.Addr = ord.Uint64(b[16:24])
		s.Offset = ord.Uint64(b[24:32])
		s.Size = ord.Uint64(b[32:40])
		s.Link = ord.Uint32(b[40:44])
		s.Info = ord.Uint32(b[44:48])
		s.Addralign = ord.Uint64(b[48:56])
		s.Entsize = ord.Uint64(b[56:64])
	} else {
		s.Flags = uint64(ord.Uint32(b[8:12]))
		s.Addr = uint64(ord.Uint32(b[12:16]))
		s.Offset = uint64(ord.Uint32(b[16:20]))
		s.Size = uint64(ord.Uint32(b[20:24]))
		s.Link = ord.Uint32(b[24:28])
		s.Info = ord.Uint32(b[28:32])
		s.Addralign = uint64(ord.Uint32(b[32:36]))
		s.Entsize = uint64(ord.Uint32(b[36:40]))
	}
	return s, nil
}

func EncodeShdr(id Ident, s Shdr) []byte {
	size := ShdrSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	ord.PutUint32(b[0:4], s.Name)
	ord.PutUint32(b[4:8], s.Type)
	if id.Is64() {
		ord.PutUint64(b[8:16], s.Flags)
		ord.PutUint64(b[16:24], s.Addr)
		ord.PutUint64(b[24:32], s.Offset)
		ord.PutUint64(b[32:40], s.Size)
		ord.PutUint32(b[40:44], s.Link)
		ord.PutUint32(b[44:48], s.Info)
		ord.PutUint64(b[48:56], s.Addralign)
		ord.PutUint64(b[56:64], s.Entsize)
	} else {
		ord.PutUint32(b[8:12], uint32(s.Flags))
		ord.PutUint32(b[12:16], uint32(s.Addr))
		ord.PutUint32(b[16:20], uint32(s.Offset))
		ord.PutUint32(b[20:24], uint32(s.Size))
		ord.PutUint32(b[24:28], s.Link)
		ord.PutUint32(b[28:32], s.Info)
		ord.PutUint32(b[32:36], uint32(s.Addralign))
		ord.PutUint32(b[36:40], uint32(s.Entsize))
	}
	return b
}

// Dyn is one PT_DYNAMIC entry (tag, value).
type Dyn struct {
	Tag int64
	Val uint64
}

func DynSize(class Class) int {
	if class == Class64 {
		return 16
	}
	return 8
}

func DecodeDyn(id Ident, b []byte) (Dyn, error) {
	var d Dyn
	size := DynSize(id.Class)
	if len(b) < size {
		return d, ParseError(Context{Record: "Dyn"}, "truncated dynamic entry")
	}
	ord := id.Order()
	if id.Is64() {
		d.Tag = int64(ord.Uint64(b[0:8]))
		d.Val = ord.Uint64(b[8:16])
	} else {
		d.Tag = int64(int32(ord.Uint32(b[0:4])))
		d.Val = uint64(ord.Uint32(b[4:8]))
	}
	return d, nil
}

func EncodeDyn(id Ident, d Dyn) []byte {
	size := DynSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	if id.Is64() {
		ord.PutUint64(b[0:8], uint64(d.Tag))
		ord.PutUint64(b[8:16], d.Val)
	} else {
		ord.PutUint32(b[0:4], uint32(d.Tag))
		ord.PutUint32(b[4:8], uint32(d.Val))
	}
	return b
}

// Sym is a symbol table entry (.dynsym).
type Sym struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

func (s Sym) Bind() uint8 { return s.Info >> 4 }
func (s Sym) Type() uint8 { return s.Info & 0xf }

func SymSize(class Class) int {
	if class == Class64 {
		return 24
	}
	return 16
}

func DecodeSym(id Ident, b []byte) (Sym, error) {
	var s Sym
	size := SymSize(id.Class)
	if len(b) < size {
		return s, ParseError(Context{Record: "Sym"}, "truncated symbol")
	}
	ord := id.Order()
	if id.Is64() {
		s.Name = ord.Uint32(b[0:4])
		s.Info = b[4]
		s.Other = b[5]
		s.Shndx = ord.Uint16(b[6:8])
		s.Value = ord.Uint64(b[8:16])
		s.Size = ord.Uint64(b[16:24])
	} else {
		s.Name = ord.Uint32(b[0:4])
		s.Value = uint64(ord.Uint32(b[4:8]))
		s.Size = uint64(ord.Uint32(b[8:12]))
		s.Info = b[12]
		s.Other = b[13]
		s.Shndx = ord.Uint16(b[14:16])
	}
	return s, nil
}

func EncodeSym(id Ident, s Sym) []byte {
	size := SymSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	if id.Is64() {
		ord.PutUint32(b[0:4], s.Name)
		b[4] = s.Info
		b[5] = s.Other
		ord.PutUint16(b[6:8], s.Shndx)
		ord.PutUint64(b[8:16], s.Value)
		ord.PutUint64(b[16:24], s.Size)
	} else {
		ord.PutUint32(b[0:4], s.Name)
		ord.PutUint32(b[4:8], uint32(s.Value))
		ord.PutUint32(b[8:12], uint32(s.Size))
		b[12] = s.Info
		b[13] = s.Other
		ord.PutUint16(b[14:16], s.Shndx)
	}
	return b
}

// Rel is a REL-format relocation (no explicit addend).
type Rel struct {
	Offset uint64
	Info   uint64
}

func RelSize(class Class) int {
	if class == Class64 {
		return 16
	}
	return 8
}

// PackInfo packs a symbol index and relocation type into r_info using the
// class-dependent shift from spec §3 ("W = 32 for 64-bit, W = 8 for
// 32-bit").
func PackInfo(id Ident, sym uint64, relType uint32) uint64 {
	return (sym << id.relShift()) | uint64(relType)
}

// UnpackSym extracts the symbol index from a packed r_info.
func UnpackSym(id Ident, info uint64) uint64 {
	return info >> id.relShift()
}

// UnpackType extracts the relocation type from a packed r_info.
func UnpackType(id Ident, info uint64) uint32 {
	mask := uint64(1)<<id.relShift() - 1
	return uint32(info & mask)
}

func DecodeRel(id Ident, b []byte) (Rel, error) {
	var r Rel
	size := RelSize(id.Class)
	if len(b) < size {
		return r, ParseError(Context{Record: "Rel"}, "truncated relocation")
	}
	ord := id.Order()
	if id.Is64() {
		r.Offset = ord.Uint64(b[0:8])
		r.Info = ord.Uint64(b[8:16])
	} else {
		r.Offset = uint64(ord.Uint32(b[0:4]))
		r.Info = uint64(ord.Uint32(b[4:8]))
	}
	return r, nil
}

func EncodeRel(id Ident, r Rel) []byte {
	size := RelSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	if id.Is64() {
		ord.PutUint64(b[0:8], r.Offset)
		ord.PutUint64(b[8:16], r.Info)
	} else {
		ord.PutUint32(b[0:4], uint32(r.Offset))
		ord.PutUint32(b[4:8], uint32(r.Info))
	}
	return b
}

// Rela is a RELA-format relocation (explicit addend).
type Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

func RelaSize(class Class) int {
	if class == Class64 {
		return 24
	}
	return 12
}

func DecodeRela(id Ident, b []byte) (Rela, error) {
	var r Rela
	size := RelaSize(id.Class)
	if len(b) < size {
		return r, ParseError(Context{Record: "Rela"}, "truncated relocation")
	}
	ord := id.Order()
	if id.Is64() {
		r.Offset = ord.Uint64(b[0:8])
		r.Info = ord.Uint64(b[8:16])
		r.Addend = int64(ord.Uint64(b[16:24]))
	} else {
		r.Offset = uint64(ord.Uint32(b[0:4]))
		r.Info = uint64(ord.Uint32(b[4:8]))
		r.Addend = int64(int32(ord.Uint32(b[8:12])))
	}
	return r, nil
}

func EncodeRela(id Ident, r Rela) []byte {
	size := RelaSize(id.Class)
	b := make([]byte, size)
	ord := id.Order()
	if id.Is64() {
		ord.PutUint64(b[0:8], r.Offset)
		ord.PutUint64(b[8:16], r.Info)
		ord.PutUint64(b[16:24], uint64(r.Addend))
	} else {
		ord.PutUint32(b[0:4], uint32(r.Offset))
		ord.PutUint32(b[4:8], uint32(r.Info))
		ord.PutUint32(b[8:12], uint32(r.Addend))
	}
	return b
}

// Verneed and Vernaux carry 16-/32-bit fields regardless of class, per
// spec §4.1: "Verneed/Vernaux fields are 16- and 32-bit regardless of
// class." Only byte order varies.
type Verneed struct {
	Version uint16
	Cnt     uint16
	File    uint32
	Aux     uint32
	Next    uint32
}

const VerneedSize = 16

func DecodeVerneed(order binary.ByteOrder, b []byte) (Verneed, error) {
	var v Verneed
	if len(b) < VerneedSize {
		return v, ParseError(Context{Record: "Verneed"}, "truncated verneed")
	}
	v.Version = order.Uint16(b[0:2])
	v.Cnt = order.Uint16(b[2:4])
	v.File = order.Uint32(b[4:8])
	v.Aux = order.Uint32(b[8:12])
	v.Next = order.Uint32(b[12:16])
	return v, nil
}

func EncodeVerneed(order binary.ByteOrder, v Verneed) []byte {
	b := make([]byte, VerneedSize)
	order.PutUint16(b[0:2], v.Version)
	order.PutUint16(b[2:4], v.Cnt)
	order.PutUint32(b[4:8], v.File)
	order.PutUint32(b[8:12], v.Aux)
	order.PutUint32(b[12:16], v.Next)
	return b
}

type Vernaux struct {
	Hash  uint32
	Flags uint16
	Other uint16
	Name  uint32
	Next  uint32
}

const VernauxSize = 16

func DecodeVernaux(order binary.ByteOrder, b []byte) (Vernaux, error) {
	var v Vernaux
	if len(b) < VernauxSize {
		return v, ParseError(Context{Record: "Vernaux"}, "truncated vernaux")
	}
	v.Hash = order.Uint32(b[0:4])
	v.Flags = order.Uint16(b[4:6])
	v.Other = order.Uint16(b[6:8])
	v.Name = order.Uint32(b[8:12])
	v.Next = order.Uint32(b[12:16])
	return v, nil
}

func EncodeVernaux(order binary.ByteOrder, v Vernaux) []byte {
	b := make([]byte, VernauxSize)
	order.PutUint32(b[0:4], v.Hash)
	order.PutUint16(b[4:6], v.Flags)
	order.PutUint16(b[6:8], v.Other)
	order.PutUint32(b[8:12], v.Name)
	order.PutUint32(b[12:16], v.Next)
	return b
}

// DecodeVersym and EncodeVersym read and write one bare 16-bit word of the .gnu.version array
// (one 16-bit index per dynamic symbol, honoring endianness per spec
// §4.1's "bare unsigned words" requirement).
func DecodeVersym(order binary.ByteOrder, b []byte) uint16 {
	return order.Uint16(b)
}

func EncodeVersym(order binary.ByteOrder, v uint16) []byte {
	b := make([]byte, 2)
	order.PutUint16(b, v)
	return b
}
