package elfsplice

// Patch is the Header Rewriter's (C5) output: a fully patched copy of the
// target's Ehdr, Phdrs, Shdrs and Dynamic tags, with the appended PT_LOAD,
// the patched PT_DYNAMIC/PT_PHDR and the six rewritten section headers, ready for
// the Emitter to stream.
type Patch struct {
	Ehdr    Ehdr
	Phdrs   []Phdr
	Shdrs   []Shdr
	Dynamic []Dyn
}

// sectionPatch names one of the six sections the merge rewrites and the
// region in the Layout that now backs it.
type sectionPatch struct {
	names  []string // accepted aliases, since producers vary (.rela.dyn vs .rel.dyn)
	region func(*Layout) region
}

var patchedSections = []sectionPatch{
	{[]string{".dynstr"}, func(l *Layout) region { return l.Dynstr }},
	{[]string{".dynsym"}, func(l *Layout) region { return l.Symtab }},
	{[]string{".rela.dyn", ".rel.dyn"}, func(l *Layout) region { return l.RelDyn }},
	{[]string{".gnu.version"}, func(l *Layout) region { return l.Gnuversion }},
	{[]string{".gnu.version_r"}, func(l *Layout) region { return l.Verneed }},
	{[]string{".dynamic"}, func(l *Layout) region { return l.Dynamic }},
}

// RewriteHeaders patches target's Ehdr/Phdrs/Shdrs/Dynamic copies: the six
// affected section headers (.dynstr/.dynsym/.rela-or-.rel.dyn/.gnu.version/
// .gnu.version_r/.dynamic), the .dynamic tag values, PT_DYNAMIC/PT_PHDR, a
// new trailing PT_LOAD, and the header counts/offsets, per spec §4.5.
func RewriteHeaders(target *Image, plan *MergePlan, layout *Layout) (*Patch, error) {
	p := &Patch{
		Ehdr:  target.Ehdr,
		Phdrs: append([]Phdr{}, target.Phdrs...),
		Shdrs: append([]Shdr{}, target.Shdrs...),
	}

	warnStaleHash(target)

	if err := patchSectionHeaders(target, p, layout); err != nil {
		return nil, err
	}
	dyn, err := patchDynamicTags(target, plan, layout)
	if err != nil {
		return nil, err
	}
	p.Dynamic = dyn

	appendPTLoad(target, p, layout)
	if err := patchPTDynamic(target, p, layout); err != nil {
		return nil, err
	}
	if err := patchPTPhdr(target, p); err != nil {
		return nil, err
	}
	patchEhdr(target, p, layout)

	return p, nil
}

// warnStaleHash implements the spec §9 open-item (a) passthrough
// diagnostic: DT_GNUHASH is neither merged nor regenerated, so a target
// that has one will describe a stale, pre-merge symbol table afterward.
func warnStaleHash(target *Image) {
	if _, ok, _ := target.tagValue(DT_GNU_HASH); ok {
		stage("rewriter").Warnw("target has DT_GNU_HASH; merge does not regenerate it, hash will describe the pre-merge symbol table", "stale_gnu_hash", true)
	}
}

func patchSectionHeaders(target *Image, p *Patch, layout *Layout) error {
	for _, sp := range patchedSections {
		idx := -1
		for _, name := range sp.names {
			if i := target.SectionIndex(name); i != -1 {
				idx = i
				break
			}
		}
		r := sp.region(layout)
		if idx == -1 {
			// Symbol versioning and non-PLT dynamic relocations are optional in
			// a dynamic ELF (unversioned binaries carry no .gnu.version/
			// .gnu.version_r; some binaries carry no .rel[a].dyn). Only error if
			// the merge actually has content bound for a section the target
			// doesn't have anywhere to put it.
			if r.Size == 0 {
				continue
			}
			return InvariantError(Context{File: target.Path, Role: RoleTarget}, "target is missing a section for %v", sp.names)
		}
		p.Shdrs[idx].Offset = r.Offset
		p.Shdrs[idx].Addr = r.Addr
		p.Shdrs[idx].Size = r.Size
	}
	return nil
}

// patchDynamicTags rewrites the .dynamic section's own tag values: the
// string/symbol/relocation table pointers and sizes now point into the
// merged tables, while DT_NEEDED and every other tag the merge doesn't
// touch passes through unchanged.
func patchDynamicTags(target *Image, plan *MergePlan, layout *Layout) ([]Dyn, error) {
	if target.SectionIndex(".dynamic") == -1 {
		return nil, InvariantError(Context{File: target.Path, Role: RoleTarget}, "target is missing .dynamic section")
	}

	relTag, relszTag, relentTag := int64(DT_REL), int64(DT_RELSZ), int64(DT_RELENT)
	relEntSize := uint64(RelSize(target.Ident.Class))
	if target.IsRela {
		relTag, relszTag, relentTag = DT_RELA, DT_RELASZ, DT_RELAENT
		relEntSize = uint64(RelaSize(target.Ident.Class))
	}

	// DT_JMPREL/DT_PLTRELSZ are deliberately left untouched: target's own
	// .rel[a].plt is neither moved nor concatenated into anything (spec
	// §4.3, "T's plt relocations are not concatenated"), so the tags already
	// address the right table.
	rewrites := map[int64]uint64{
		DT_STRTAB:  layout.Dynstr.Addr,
		DT_STRSZ:   layout.Dynstr.Size,
		DT_SYMTAB:  layout.Symtab.Addr,
		relTag:     layout.RelDyn.Addr,
		relszTag:   layout.RelDyn.Size,
		relentTag:  relEntSize,
		DT_VERSYM:  layout.Gnuversion.Addr,
		DT_VERNEED: layout.Verneed.Addr,
	}
	if target.IsRela {
		rewrites[DT_PLTREL] = DT_RELA
	} else if _, ok, _ := target.tagValue(DT_PLTREL); ok {
		rewrites[DT_PLTREL] = DT_REL
	}

	dyn := append([]Dyn{}, target.Dynamic...)
	for i, d := range dyn {
		if v, ok := rewrites[d.Tag]; ok {
			dyn[i].Val = v
		}
		if d.Tag == DT_VERNEEDNUM {
			dyn[i].Val = uint64(len(plan.Verneeds))
		}
	}
	return dyn, nil
}

// appendPTLoad adds one R segment covering the entire trailing region the
// Layout Builder computed, per spec §4.5: "appends one PT_LOAD".
func appendPTLoad(target *Image, p *Patch, layout *Layout) {
	p.Phdrs = append(p.Phdrs, Phdr{
		Type:   PT_LOAD,
		Flags:  PF_R,
		Offset: layout.StartOffset,
		Vaddr:  layout.StartAddr,
		Paddr:  layout.StartAddr,
		Filesz: layout.TotalSize,
		Memsz:  layout.TotalSize,
		Align:  pageSize,
	})
}

// patchPTDynamic retargets PT_DYNAMIC's p_offset/p_vaddr/p_paddr and
// p_filesz/p_memsz to the rebuilt .dynamic table in the appended trailing
// region, per spec §4.5. The rebuilt table holds target's parsed tags (up to
// and including the first DT_NULL), so its size can be smaller than the
// original segment when that segment carried trailing DT_NULL padding.
func patchPTDynamic(target *Image, p *Patch, layout *Layout) error {
	if target.DynamicPhdr == -1 {
		return InvariantError(Context{File: target.Path, Role: RoleTarget}, "target has no PT_DYNAMIC to patch")
	}
	idx := target.DynamicPhdr
	p.Phdrs[idx].Offset = layout.Dynamic.Offset
	p.Phdrs[idx].Vaddr = layout.Dynamic.Addr
	p.Phdrs[idx].Paddr = layout.Dynamic.Addr
	p.Phdrs[idx].Filesz = layout.Dynamic.Size
	p.Phdrs[idx].Memsz = layout.Dynamic.Size
	return nil
}

// patchPTPhdr retargets PT_PHDR (if present) to the new program header
// table location and size, since Ehdr.Phnum grows by one entry and the
// table itself moves into the appended trailing region.
func patchPTPhdr(target *Image, p *Patch) error {
	if target.PhdrPhdr == -1 {
		return nil
	}
	idx := target.PhdrPhdr
	p.Phdrs[idx].Filesz = uint64(len(p.Phdrs) * PhdrSize(target.Ident.Class))
	p.Phdrs[idx].Memsz = p.Phdrs[idx].Filesz
	return nil
}

// patchEhdr updates e_phnum/e_phoff/e_shnum/e_shoff to point at the
// relocated, grown header tables, per spec §4.5.
func patchEhdr(target *Image, p *Patch, layout *Layout) {
	p.Ehdr.Phnum = uint16(len(p.Phdrs))
	p.Ehdr.Phoff = layout.Phdrs.Offset
	p.Ehdr.Shnum = uint16(len(p.Shdrs))
	p.Ehdr.Shoff = layout.Shdrs.Offset

	if target.PhdrPhdr != -1 {
		p.Phdrs[target.PhdrPhdr].Offset = layout.Phdrs.Offset
		p.Phdrs[target.PhdrPhdr].Vaddr = layout.Phdrs.Addr
		p.Phdrs[target.PhdrPhdr].Paddr = layout.Phdrs.Addr
	}
}
