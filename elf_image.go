package elfsplice

import (
	"bytes"
	"os"
)

// Reloc is a relocation normalized away from its wire format (Rel vs
// Rela): Sym/Type are already unpacked from r_info, and Addend is zero for
// a REL-format entry. The Merge Planner only ever touches Sym; the wire
// format is restored at encode time by whichever format the target uses.
type Reloc struct {
	Offset uint64
	Sym    uint64
	Type   uint32
	Addend int64
}

// VerneedEntry is one Verneed record together with its owned Vernaux
// sub-list, the way spec §9 ("Design Notes") recommends representing the
// chain internally: "ordered lists [(Verneed, [Vernaux, ...]), ...]" with
// byte offsets recomputed only at serialization time.
type VerneedEntry struct {
	Need Verneed
	Aux  []Vernaux
}

// Image is the parsed, in-memory view of one ELF file (C2). It materializes
// every dynamic-linking table the merge touches; non-dynamic content (code,
// data, section headers for sections the merge doesn't touch) is retained
// only as Raw bytes and Shdrs/Phdrs; the merge uses these only from the
// target.
type Image struct {
	Path  string
	Raw   []byte
	Ident Ident
	Ehdr  Ehdr
	Phdrs []Phdr
	Shdrs []Shdr

	HasDynamic   bool
	DynamicPhdr  int // index into Phdrs of PT_DYNAMIC, -1 if HasDynamic is false
	PhdrPhdr     int // index into Phdrs of PT_PHDR, -1 if absent
	Dynamic      []Dyn
	IsRela       bool
	SymbolCount  int

	Dynstr   []byte
	Symbols  []Sym
	RelPlt   []Reloc
	RelDyn   []Reloc
	Version  []uint16
	Verneeds []VerneedEntry
}

// ParseImage reads path and produces a Parsed Image, per spec §4.2.
func ParseImage(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, IOErrorf(err, "read %s", path)
	}

	ehdr, ident, err := DecodeEhdr(raw)
	if err != nil {
		return nil, Wrap(err, "%s", path)
	}

	img := &Image{
		Path:        path,
		Raw:         raw,
		Ident:       ident,
		Ehdr:        ehdr,
		DynamicPhdr: -1,
		PhdrPhdr:    -1,
	}

	if err := img.parsePhdrs(); err != nil {
		return nil, err
	}
	if err := img.parseShdrs(); err != nil {
		return nil, err
	}

	if img.DynamicPhdr == -1 {
		stage("image").Debugw("no PT_DYNAMIC, image is non-dynamic", "path", path)
		return img, nil
	}
	img.HasDynamic = true

	if err := img.parseDynamic(); err != nil {
		return nil, err
	}
	if err := img.parseDynstr(); err != nil {
		return nil, err
	}
	if err := img.parseRelocations(); err != nil {
		return nil, err
	}
	if err := img.parseSymbols(); err != nil {
		return nil, err
	}
	if err := img.parseVersion(); err != nil {
		return nil, err
	}
	if err := img.parseVerneeds(); err != nil {
		return nil, err
	}

	return img, nil
}

func (img *Image) ctx(record string) Context {
	return Context{File: img.Path, Record: record}
}

func (img *Image) parsePhdrs() error {
	size := PhdrSize(img.Ident.Class)
	for i := 0; i < int(img.Ehdr.Phnum); i++ {
		off := img.Ehdr.Phoff + uint64(i)*uint64(size)
		if int(off)+size > len(img.Raw) {
			return ParseError(img.ctx("Phdr"), "program header %d out of bounds", i)
		}
		p, err := DecodePhdr(img.Ident, img.Raw[off:off+uint64(size)])
		if err != nil {
			return Wrap(err, "%s: program header %d", img.Path, i)
		}
		img.Phdrs = append(img.Phdrs, p)
		switch p.Type {
		case PT_DYNAMIC:
			img.DynamicPhdr = i
		case PT_PHDR:
			img.PhdrPhdr = i
		}
	}
	return nil
}

func (img *Image) parseShdrs() error {
	size := ShdrSize(img.Ident.Class)
	for i := 0; i < int(img.Ehdr.Shnum); i++ {
		off := img.Ehdr.Shoff + uint64(i)*uint64(size)
		if int(off)+size > len(img.Raw) {
			return ParseError(img.ctx("Shdr"), "section header %d out of bounds", i)
		}
		s, err := DecodeShdr(img.Ident, img.Raw[off:off+uint64(size)])
		if err != nil {
			return Wrap(err, "%s: section header %d", img.Path, i)
		}
		img.Shdrs = append(img.Shdrs, s)
	}
	return nil
}

// vaddrToOffset translates a virtual address into a file offset by walking
// PT_LOAD segments, per spec §4.2: "read via virtual addresses (translated
// through PT_LOAD mappings)".
func (img *Image) vaddrToOffset(vaddr uint64) (uint64, error) {
	for _, p := range img.Phdrs {
		if p.Type != PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
			return p.Offset + (vaddr - p.Vaddr), nil
		}
	}
	return 0, ParseError(img.ctx(""), "virtual address 0x%x is not covered by any PT_LOAD segment", vaddr)
}

// tagValue returns the unique value for a dynamic tag, erroring if the tag
// appears more than once (spec §7 InvariantViolation: "multiple matches
// for a tag that must be unique").
func (img *Image) tagValue(tag int64) (uint64, bool, error) {
	found := false
	var val uint64
	for _, d := range img.Dynamic {
		if d.Tag == tag {
			if found {
				return 0, false, InvariantError(img.ctx("Dyn"), "duplicate dynamic tag %d", tag)
			}
			val = d.Val
			found = true
		}
	}
	return val, found, nil
}

func (img *Image) parseDynamic() error {
	p := img.Phdrs[img.DynamicPhdr]
	size := DynSize(img.Ident.Class)
	if int(p.Offset)+int(p.Filesz) > len(img.Raw) {
		return ParseError(img.ctx("Dyn"), "PT_DYNAMIC segment out of bounds")
	}
	for off := p.Offset; off+uint64(size) <= p.Offset+p.Filesz; off += uint64(size) {
		d, err := DecodeDyn(img.Ident, img.Raw[off:off+uint64(size)])
		if err != nil {
			return Wrap(err, "%s", img.Path)
		}
		img.Dynamic = append(img.Dynamic, d)
		if d.Tag == DT_NULL {
			break
		}
	}

	pltrel, hasPltrel, err := img.tagValue(DT_PLTREL)
	if err != nil {
		return err
	}
	_, hasRela, err := img.tagValue(DT_RELA)
	if err != nil {
		return err
	}
	switch {
	case hasPltrel:
		img.IsRela = pltrel == DT_RELA
	case hasRela:
		img.IsRela = true
	}
	return nil
}

func (img *Image) parseDynstr() error {
	addr, ok, err := img.tagValue(DT_STRTAB)
	if err != nil {
		return err
	}
	if !ok {
		return InvariantError(img.ctx("Dyn"), "missing DT_STRTAB")
	}
	size, ok, err := img.tagValue(DT_STRSZ)
	if err != nil {
		return err
	}
	if !ok {
		return InvariantError(img.ctx("Dyn"), "missing DT_STRSZ")
	}
	off, err := img.vaddrToOffset(addr)
	if err != nil {
		return Wrap(err, "%s: DT_STRTAB", img.Path)
	}
	if int(off)+int(size) > len(img.Raw) {
		return ParseError(img.ctx(".dynstr"), "string table out of bounds")
	}
	img.Dynstr = img.Raw[off : off+size]
	if size == 0 || img.Dynstr[size-1] != 0 {
		return InvariantError(img.ctx(".dynstr"), "string table does not end in NUL")
	}
	return nil
}

func (img *Image) decodeRelocTable(addr, size uint64) ([]Reloc, error) {
	off, err := img.vaddrToOffset(addr)
	if err != nil {
		return nil, err
	}
	if int(off)+int(size) > len(img.Raw) {
		return nil, ParseError(img.ctx("Rel"), "relocation table out of bounds")
	}
	entSize := RelSize(img.Ident.Class)
	if img.IsRela {
		entSize = RelaSize(img.Ident.Class)
	}
	var out []Reloc
	for p := off; p+uint64(entSize) <= off+size; p += uint64(entSize) {
		buf := img.Raw[p : p+uint64(entSize)]
		if img.IsRela {
			r, err := DecodeRela(img.Ident, buf)
			if err != nil {
				return nil, Wrap(err, "%s", img.Path)
			}
			out = append(out, Reloc{
				Offset: r.Offset,
				Sym:    UnpackSym(img.Ident, r.Info),
				Type:   UnpackType(img.Ident, r.Info),
				Addend: r.Addend,
			})
		} else {
			r, err := DecodeRel(img.Ident, buf)
			if err != nil {
				return nil, Wrap(err, "%s", img.Path)
			}
			out = append(out, Reloc{
				Offset: r.Offset,
				Sym:    UnpackSym(img.Ident, r.Info),
				Type:   UnpackType(img.Ident, r.Info),
			})
		}
	}
	return out, nil
}

func (img *Image) parseRelocations() error {
	if jmprel, ok, err := img.tagValue(DT_JMPREL); err != nil {
		return err
	} else if ok {
		pltsz, _, err := img.tagValue(DT_PLTRELSZ)
		if err != nil {
			return err
		}
		rels, err := img.decodeRelocTable(jmprel, pltsz)
		if err != nil {
			return Wrap(err, "%s: .rel.plt", img.Path)
		}
		img.RelPlt = rels
	}

	relTag, szTag := int64(DT_REL), int64(DT_RELSZ)
	if img.IsRela {
		relTag, szTag = DT_RELA, DT_RELASZ
	}
	if addr, ok, err := img.tagValue(relTag); err != nil {
		return err
	} else if ok {
		size, _, err := img.tagValue(szTag)
		if err != nil {
			return err
		}
		rels, err := img.decodeRelocTable(addr, size)
		if err != nil {
			return Wrap(err, "%s: .rel.dyn", img.Path)
		}
		img.RelDyn = rels
	}
	return nil
}

// parseSymbols derives the dynamic symbol count as 1 + max(r_info_sym)
// over every dynamic relocation (spec §4.2), then reads that many entries
// from DT_SYMTAB using DT_SYMENT as the per-symbol stride.
func (img *Image) parseSymbols() error {
	maxSym := uint64(0)
	for _, r := range img.RelPlt {
		if r.Sym > maxSym {
			maxSym = r.Sym
		}
	}
	for _, r := range img.RelDyn {
		if r.Sym > maxSym {
			maxSym = r.Sym
		}
	}
	img.SymbolCount = int(maxSym) + 1

	addr, ok, err := img.tagValue(DT_SYMTAB)
	if err != nil {
		return err
	}
	if !ok {
		return InvariantError(img.ctx("Dyn"), "missing DT_SYMTAB")
	}
	entSize, ok, err := img.tagValue(DT_SYMENT)
	if err != nil {
		return err
	}
	if !ok {
		entSize = uint64(SymSize(img.Ident.Class))
	}
	off, err := img.vaddrToOffset(addr)
	if err != nil {
		return Wrap(err, "%s: DT_SYMTAB", img.Path)
	}
	for i := 0; i < img.SymbolCount; i++ {
		p := off + uint64(i)*entSize
		if int(p)+int(entSize) > len(img.Raw) {
			return ParseError(img.ctx("Sym"), "symbol %d out of bounds", i)
		}
		s, err := DecodeSym(img.Ident, img.Raw[p:p+entSize])
		if err != nil {
			return Wrap(err, "%s: symbol %d", img.Path, i)
		}
		img.Symbols = append(img.Symbols, s)
	}
	return nil
}

func (img *Image) parseVersion() error {
	addr, ok, err := img.tagValue(DT_VERSYM)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	off, err := img.vaddrToOffset(addr)
	if err != nil {
		return Wrap(err, "%s: DT_VERSYM", img.Path)
	}
	order := img.Ident.Order()
	for i := 0; i < img.SymbolCount; i++ {
		p := off + uint64(i)*2
		if int(p)+2 > len(img.Raw) {
			return ParseError(img.ctx(".gnu.version"), "version entry %d out of bounds", i)
		}
		img.Version = append(img.Version, DecodeVersym(order, img.Raw[p:p+2]))
	}
	return nil
}

// parseVerneeds walks the Verneed/Vernaux chain starting at DT_VERNEED,
// following the byte offsets described in spec §3 and §9: vn_next/vn_aux
// are relative to the owning record's own file position, not indices.
func (img *Image) parseVerneeds() error {
	addr, ok, err := img.tagValue(DT_VERNEED)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	num, _, err := img.tagValue(DT_VERNEEDNUM)
	if err != nil {
		return err
	}
	base, err := img.vaddrToOffset(addr)
	if err != nil {
		return Wrap(err, "%s: DT_VERNEED", img.Path)
	}
	order := img.Ident.Order()

	pos := base
	for i := uint64(0); i < num; i++ {
		if int(pos)+VerneedSize > len(img.Raw) {
			return ParseError(img.ctx("Verneed"), "verneed %d out of bounds", i)
		}
		vn, err := DecodeVerneed(order, img.Raw[pos:pos+VerneedSize])
		if err != nil {
			return Wrap(err, "%s: verneed %d", img.Path, i)
		}

		var auxes []Vernaux
		auxPos := pos + uint64(vn.Aux)
		for j := uint16(0); j < vn.Cnt; j++ {
			if int(auxPos)+VernauxSize > len(img.Raw) {
				return ParseError(img.ctx("Vernaux"), "vernaux out of bounds")
			}
			va, err := DecodeVernaux(order, img.Raw[auxPos:auxPos+VernauxSize])
			if err != nil {
				return Wrap(err, "%s: vernaux", img.Path)
			}
			auxes = append(auxes, va)
			if va.Next == 0 {
				break
			}
			auxPos += uint64(va.Next)
		}

		img.Verneeds = append(img.Verneeds, VerneedEntry{Need: vn, Aux: auxes})

		if vn.Next == 0 {
			break
		}
		pos += uint64(vn.Next)
	}
	return nil
}

// MaxVnaOther returns the maximum vna_other across every Vernaux in the
// chain, or 0 if there are none — the input to version_index_offset in
// spec §4.3.
func (img *Image) MaxVnaOther() uint16 {
	var max uint16
	for _, ve := range img.Verneeds {
		for _, a := range ve.Aux {
			if a.Other > max {
				max = a.Other
			}
		}
	}
	return max
}

// sectionName resolves a section header's sh_name against .shstrtab.
func (img *Image) sectionName(s Shdr) string {
	if int(img.Ehdr.Shstrndx) >= len(img.Shdrs) {
		return ""
	}
	strtab := img.Shdrs[img.Ehdr.Shstrndx]
	start := strtab.Offset + uint64(s.Name)
	if int(start) >= len(img.Raw) {
		return ""
	}
	end := bytes.IndexByte(img.Raw[start:], 0)
	if end == -1 {
		return ""
	}
	return string(img.Raw[start : start+uint64(end)])
}

// SectionIndex returns the index of the section with the given name, or -1.
func (img *Image) SectionIndex(name string) int {
	for i, s := range img.Shdrs {
		if img.sectionName(s) == name {
			return i
		}
	}
	return -1
}
