package elfsplice

import (
	"bytes"
	"debug/elf"
	"os"
	"testing"
)

// strtab is a tiny builder for a NUL-terminated string table, used to
// assemble both .dynstr and .shstrtab for the synthetic images these tests
// construct byte-for-byte (the codec has no stdlib counterpart to encode
// against, so the tests build their own fixtures rather than relying on
// debug/elf, which only reads).
type strtab struct {
	buf []byte
}

func newStrtab() *strtab { return &strtab{buf: []byte{0}} }

func (s *strtab) add(name string) uint32 {
	off := uint32(len(s.buf))
	s.buf = append(s.buf, []byte(name)...)
	s.buf = append(s.buf, 0)
	return off
}

// buildSyntheticELF (below) builds a minimal 64-bit little-endian dynamic ELF
// for these tests: one PT_LOAD covering the whole file at vaddr == file
// offset (so virtual-address translation is the identity function), one
// PT_DYNAMIC, and .dynstr/.dynsym/.rela.dyn/.dynamic/.shstrtab sections.
type syntheticSym struct {
	name  string
	value uint64
	kind  uint8
}

type syntheticReloc struct {
	offset uint64
	symIdx int
	typ    uint32
}

func buildSyntheticELF(t *testing.T, syms []syntheticSym, relocs []syntheticReloc) []byte {
	t.Helper()
	return buildSyntheticELFWithPLT(t, syms, relocs, nil)
}

// buildSyntheticELFWithPLT extends buildSyntheticELF with an optional
// .rela.plt section (DT_JMPREL/DT_PLTRELSZ/DT_PLTREL), so tests can exercise
// a source image whose plt relocations must fold into the single combined
// new_reldyn table rather than keeping a table of their own.
func buildSyntheticELFWithPLT(t *testing.T, syms []syntheticSym, relocs []syntheticReloc, pltRelocs []syntheticReloc) []byte {
	t.Helper()
	id := Ident{Class: Class64, Data: Data2LSB}
	hasPLT := len(pltRelocs) > 0

	dynstr := newStrtab()
	nameOffs := make([]uint32, len(syms))
	for i, s := range syms {
		nameOffs[i] = dynstr.add(s.name)
	}

	const ehdrSize = 64
	phdrSize := PhdrSize(Class64)
	const numPhdrs = 2
	bodyStart := uint64(ehdrSize + numPhdrs*phdrSize)

	cursor := bodyStart
	dynstrOff := cursor
	cursor += uint64(len(dynstr.buf))

	dynsymOff := cursor
	// symbol 0 is always the reserved null symbol
	symCount := len(syms) + 1
	cursor += uint64(symCount * SymSize(Class64))

	relaOff := cursor
	cursor += uint64(len(relocs) * RelaSize(Class64))

	relaPltOff := cursor
	cursor += uint64(len(pltRelocs) * RelaSize(Class64))

	dynEntries := []Dyn{
		{Tag: DT_STRTAB, Val: dynstrOff},
		{Tag: DT_STRSZ, Val: uint64(len(dynstr.buf))},
		{Tag: DT_SYMTAB, Val: dynsymOff},
		{Tag: DT_SYMENT, Val: uint64(SymSize(Class64))},
		{Tag: DT_RELA, Val: relaOff},
		{Tag: DT_RELASZ, Val: uint64(len(relocs) * RelaSize(Class64))},
		{Tag: DT_RELAENT, Val: uint64(RelaSize(Class64))},
	}
	if hasPLT {
		dynEntries = append(dynEntries,
			Dyn{Tag: DT_PLTREL, Val: DT_RELA},
			Dyn{Tag: DT_PLTRELSZ, Val: uint64(len(pltRelocs) * RelaSize(Class64))},
			Dyn{Tag: DT_JMPREL, Val: relaPltOff},
		)
	}
	dynEntries = append(dynEntries, Dyn{Tag: DT_NULL, Val: 0})
	dynamicOff := cursor
	cursor += uint64(len(dynEntries) * DynSize(Class64))

	shstr := newStrtab()
	shstr.add("") // index 0 must resolve to empty for SHT_NULL
	nameDynstr := shstr.add(".dynstr")
	nameDynsym := shstr.add(".dynsym")
	nameRela := shstr.add(".rela.dyn")
	var nameRelaPlt uint32
	if hasPLT {
		nameRelaPlt = shstr.add(".rela.plt")
	}
	nameDynamic := shstr.add(".dynamic")
	nameShstrtab := shstr.add(".shstrtab")

	shstrtabOff := cursor
	cursor += uint64(len(shstr.buf))

	shdrOff := cursor
	numShdrs := 6
	if hasPLT {
		numShdrs = 7
	}
	cursor += uint64(numShdrs * ShdrSize(Class64))

	total := cursor

	var buf bytes.Buffer
	buf.Write(make([]byte, total))
	out := buf.Bytes()

	put := func(off uint64, b []byte) { copy(out[off:], b) }

	put(dynstrOff, dynstr.buf)

	put(dynsymOff, EncodeSym(id, Sym{})) // null symbol
	for i, s := range syms {
		sym := Sym{Name: nameOffs[i], Info: (STB_GLOBAL << 4) | s.kind, Value: s.value, Shndx: 1}
		put(dynsymOff+uint64((i+1)*SymSize(Class64)), EncodeSym(id, sym))
	}

	for i, r := range relocs {
		rela := Rela{Offset: r.offset, Info: PackInfo(id, uint64(r.symIdx), r.typ)}
		put(relaOff+uint64(i*RelaSize(Class64)), EncodeRela(id, rela))
	}
	for i, r := range pltRelocs {
		rela := Rela{Offset: r.offset, Info: PackInfo(id, uint64(r.symIdx), r.typ)}
		put(relaPltOff+uint64(i*RelaSize(Class64)), EncodeRela(id, rela))
	}

	for i, d := range dynEntries {
		put(dynamicOff+uint64(i*DynSize(Class64)), EncodeDyn(id, d))
	}

	put(shstrtabOff, shstr.buf)

	shdrs := []Shdr{
		{}, // SHT_NULL
		{Name: nameDynstr, Type: SHT_STRTAB, Addr: dynstrOff, Offset: dynstrOff, Size: uint64(len(dynstr.buf))},
		{Name: nameDynsym, Type: SHT_DYNSYM, Addr: dynsymOff, Offset: dynsymOff, Size: uint64(symCount * SymSize(Class64)), Entsize: uint64(SymSize(Class64)), Link: 1},
		{Name: nameRela, Type: SHT_RELA, Addr: relaOff, Offset: relaOff, Size: uint64(len(relocs) * RelaSize(Class64)), Entsize: uint64(RelaSize(Class64))},
	}
	if hasPLT {
		shdrs = append(shdrs, Shdr{Name: nameRelaPlt, Type: SHT_RELA, Addr: relaPltOff, Offset: relaPltOff, Size: uint64(len(pltRelocs) * RelaSize(Class64)), Entsize: uint64(RelaSize(Class64))})
	}
	shdrs = append(shdrs,
		Shdr{Name: nameDynamic, Type: SHT_DYNAMIC, Addr: dynamicOff, Offset: dynamicOff, Size: uint64(len(dynEntries) * DynSize(Class64)), Link: 1},
		Shdr{Name: nameShstrtab, Type: SHT_STRTAB, Addr: 0, Offset: shstrtabOff, Size: uint64(len(shstr.buf))},
	)
	for i, s := range shdrs {
		put(shdrOff+uint64(i*ShdrSize(Class64)), EncodeShdr(id, s))
	}

	phdrs := []Phdr{
		{Type: PT_LOAD, Flags: PF_R | PF_W, Offset: 0, Vaddr: 0, Paddr: 0, Filesz: total, Memsz: total, Align: pageSize},
		{Type: PT_DYNAMIC, Flags: PF_R | PF_W, Offset: dynamicOff, Vaddr: dynamicOff, Paddr: dynamicOff, Filesz: uint64(len(dynEntries) * DynSize(Class64)), Memsz: uint64(len(dynEntries) * DynSize(Class64)), Align: 8},
	}
	for i, p := range phdrs {
		put(ehdrSize+uint64(i*phdrSize), EncodePhdr(id, p))
	}

	ehdr := Ehdr{
		Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(Class64), byte(Data2LSB), 1},
		Type:      2, // ET_EXEC
		Machine:   0x3e,
		Version:   1,
		Phoff:     ehdrSize,
		Shoff:     shdrOff,
		Ehsize:    ehdrSize,
		Phentsize: uint16(phdrSize),
		Phnum:     numPhdrs,
		Shentsize: uint16(ShdrSize(Class64)),
		Shnum:     uint16(numShdrs),
		Shstrndx:  uint16(numShdrs - 1),
	}
	put(0, EncodeEhdr(id, ehdr))

	return out
}

func writeTempELF(t *testing.T, raw []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "elfsplice-*.elf")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(raw); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}
	return f.Name()
}

func parseBytesAsImage(t *testing.T, raw []byte) *Image {
	t.Helper()
	path := writeTempELF(t, raw)
	img, err := ParseImage(path)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	return img
}

func TestSyntheticELFParsesAndIsDynamic(t *testing.T) {
	raw := buildSyntheticELF(t, []syntheticSym{{"alpha", 0x1000, STT_FUNC}}, nil)
	img := parseBytesAsImage(t, raw)
	if !img.HasDynamic {
		t.Fatal("expected HasDynamic true")
	}
	if img.SymbolCount != 1 {
		t.Fatalf("expected symbol count 1 (relocation-free image falls back to 1), got %d", img.SymbolCount)
	}
}

// TestDynamicELFStructure checks that the standard library's read-only ELF
// decoder accepts a synthetic image (64-bit class, two program headers),
// then that ParseImage derives its symbol count from the relocation and
// decodes its one dynamic relocation.
func TestDynamicELFStructure(t *testing.T) {
	raw := buildSyntheticELF(t, []syntheticSym{
		{"alpha", 0x1000, STT_FUNC},
		{"beta", 0x2000, STT_FUNC},
	}, []syntheticReloc{{offset: 0x3000, symIdx: 1, typ: 6}})

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("debug/elf rejected synthetic fixture: %v", err)
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 {
		t.Fatalf("expected ELFCLASS64, got %v", f.Class)
	}
	if len(f.Progs) != 2 {
		t.Fatalf("expected 2 program headers, got %d", len(f.Progs))
	}

	img := parseBytesAsImage(t, raw)
	if img.SymbolCount != 2 {
		t.Fatalf("expected symbol count 2 (1 + max r_info_sym of 1), got %d", img.SymbolCount)
	}
	if len(img.RelDyn) != 1 {
		t.Fatalf("expected 1 dynamic relocation, got %d", len(img.RelDyn))
	}
}

// TestEndToEndMergeProducesValidELF exercises the full pipeline with a
// source that carries both an ordinary dynamic relocation and a plt
// relocation, mirroring the combined-table scenario: the output's single
// new_reldyn table must read target's own relocation followed by source's
// plt relocation followed by source's ordinary relocation, in that order,
// and PT_DYNAMIC/the .dynamic tags must address the rebuilt trailing
// region rather than the target's original, pre-merge tables.
func TestEndToEndMergeProducesValidELF(t *testing.T) {
	targetRaw := buildSyntheticELF(t, []syntheticSym{
		{"target_fn", 0x1000, STT_FUNC},
	}, []syntheticReloc{{offset: 0x1008, symIdx: 1, typ: 6}})
	sourceRaw := buildSyntheticELFWithPLT(t, []syntheticSym{
		{"source_fn_a", 0x5000, STT_FUNC},
		{"source_fn_b", 0x6000, STT_FUNC},
	},
		[]syntheticReloc{{offset: 0x7000, symIdx: 2, typ: 6}},
		[]syntheticReloc{{offset: 0x7100, symIdx: 1, typ: 7}},
	)

	target := parseBytesAsImage(t, targetRaw)
	source := parseBytesAsImage(t, sourceRaw)

	plan, err := PlanMerge(target, source)
	if err != nil {
		t.Fatalf("PlanMerge: %v", err)
	}
	if plan.SymbolBias != uint64(target.SymbolCount) {
		t.Fatalf("expected symbol bias %d, got %d", target.SymbolCount, plan.SymbolBias)
	}
	if plan.DynstrBias != uint64(len(target.Dynstr)) {
		t.Fatalf("expected dynstr bias %d, got %d", len(target.Dynstr), plan.DynstrBias)
	}
	wantSymCount := len(target.Symbols) + len(source.Symbols)
	if len(plan.Symbols) != wantSymCount {
		t.Fatalf("expected %d merged symbols, got %d", wantSymCount, len(plan.Symbols))
	}

	// The combined table is target's own relocation, then source's plt
	// relocation (biased), then source's ordinary relocation (biased) —
	// source's plt table does not get a region of its own.
	wantRelDyn := []Reloc{
		target.RelDyn[0],
		{Offset: source.RelPlt[0].Offset, Sym: source.RelPlt[0].Sym + plan.SymbolBias, Type: source.RelPlt[0].Type},
		{Offset: source.RelDyn[0].Offset, Sym: source.RelDyn[0].Sym + plan.SymbolBias, Type: source.RelDyn[0].Type},
	}
	if len(plan.RelDyn) != len(wantRelDyn) {
		t.Fatalf("expected combined reldyn of %d relocations, got %d", len(wantRelDyn), len(plan.RelDyn))
	}
	for i, want := range wantRelDyn {
		if plan.RelDyn[i] != want {
			t.Fatalf("reldyn[%d] = %+v, want %+v", i, plan.RelDyn[i], want)
		}
	}

	layout, err := BuildLayout(target, plan, len(target.Shdrs), len(target.Phdrs)+1)
	if err != nil {
		t.Fatalf("BuildLayout: %v", err)
	}
	if layout.StartOffset%pageSize != 0 || layout.StartAddr%pageSize != 0 {
		t.Fatalf("expected page-aligned start, got offset=0x%x addr=0x%x", layout.StartOffset, layout.StartAddr)
	}

	patch, err := RewriteHeaders(target, plan, layout)
	if err != nil {
		t.Fatalf("RewriteHeaders: %v", err)
	}
	if int(patch.Ehdr.Phnum) != len(target.Phdrs)+1 {
		t.Fatalf("expected phnum to grow by one, got %d", patch.Ehdr.Phnum)
	}

	var out bytes.Buffer
	if err := Emit(&out, target, plan, patch, layout); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	f, err := elf.NewFile(bytes.NewReader(out.Bytes()))
	if err != nil {
		t.Fatalf("debug/elf rejected merged output: %v", err)
	}
	defer f.Close()

	if len(f.Progs) != len(target.Phdrs)+1 {
		t.Fatalf("expected %d program headers in output, got %d", len(target.Phdrs)+1, len(f.Progs))
	}

	syms, err := f.DynamicSymbols()
	if err != nil {
		t.Fatalf("debug/elf DynamicSymbols: %v", err)
	}
	// debug/elf's DynamicSymbols skips the reserved null entry at index 0.
	if len(syms) != wantSymCount-1 {
		t.Fatalf("expected %d dynamic symbols from debug/elf, got %d", wantSymCount-1, len(syms))
	}

	// Re-parse the merged output through the same codec used to produce
	// it, and check PT_DYNAMIC and the .dynamic tags address the rebuilt
	// tables in the appended trailing region, not the target's stale
	// pre-merge ones.
	outPath := writeTempELF(t, out.Bytes())
	merged, err := ParseImage(outPath)
	if err != nil {
		t.Fatalf("ParseImage on merged output: %v", err)
	}

	if merged.Phdrs[merged.DynamicPhdr].Offset != layout.Dynamic.Offset {
		t.Fatalf("PT_DYNAMIC offset = 0x%x, want 0x%x (rebuilt .dynamic)", merged.Phdrs[merged.DynamicPhdr].Offset, layout.Dynamic.Offset)
	}
	if merged.Phdrs[merged.DynamicPhdr].Vaddr != layout.Dynamic.Addr {
		t.Fatalf("PT_DYNAMIC vaddr = 0x%x, want 0x%x (rebuilt .dynamic)", merged.Phdrs[merged.DynamicPhdr].Vaddr, layout.Dynamic.Addr)
	}

	strtabAddr, _, err := merged.tagValue(DT_STRTAB)
	if err != nil || strtabAddr != layout.Dynstr.Addr {
		t.Fatalf("DT_STRTAB = 0x%x, err %v, want 0x%x", strtabAddr, err, layout.Dynstr.Addr)
	}
	symtabAddr, _, err := merged.tagValue(DT_SYMTAB)
	if err != nil || symtabAddr != layout.Symtab.Addr {
		t.Fatalf("DT_SYMTAB = 0x%x, err %v, want 0x%x", symtabAddr, err, layout.Symtab.Addr)
	}
	relaAddr, _, err := merged.tagValue(DT_RELA)
	if err != nil || relaAddr != layout.RelDyn.Addr {
		t.Fatalf("DT_RELA = 0x%x, err %v, want 0x%x", relaAddr, err, layout.RelDyn.Addr)
	}

	if len(merged.RelDyn) != len(wantRelDyn) {
		t.Fatalf("merged output has %d dynamic relocations, want %d", len(merged.RelDyn), len(wantRelDyn))
	}
	for i, want := range wantRelDyn {
		if merged.RelDyn[i] != want {
			t.Fatalf("merged reldyn[%d] = %+v, want %+v", i, merged.RelDyn[i], want)
		}
	}

	// Target's own, untouched plt table: DT_JMPREL/DT_PLTRELSZ were never
	// rewritten, so the merged output's (absent, in this fixture) plt
	// relocations stay exactly as target had them — none.
	if len(merged.RelPlt) != len(target.RelPlt) {
		t.Fatalf("target's own rel.plt changed size: got %d, want %d", len(merged.RelPlt), len(target.RelPlt))
	}
}

func TestIdentityPathOnNonDynamicSource(t *testing.T) {
	raw := buildSyntheticELF(t, nil, nil)
	// Strip PT_DYNAMIC by truncating Phnum to 1 (PT_LOAD only) before parsing.
	id := Ident{Class: Class64, Data: Data2LSB}
	ehdr, _, err := DecodeEhdr(raw)
	if err != nil {
		t.Fatalf("decode ehdr: %v", err)
	}
	ehdr.Phnum = 1
	copy(raw, EncodeEhdr(id, ehdr))

	img := parseBytesAsImage(t, raw)
	if img.HasDynamic {
		t.Fatal("expected HasDynamic false after truncating PT_DYNAMIC")
	}

	var out bytes.Buffer
	if err := CopyIdentity(&out, img); err != nil {
		t.Fatalf("CopyIdentity: %v", err)
	}
	if !bytes.Equal(out.Bytes(), img.Raw) {
		t.Fatal("expected identity copy to reproduce target bytes exactly")
	}
}
