package elfsplice

// MergePlan is the output of the Merge Planner (C3): every rebuilt table,
// already biased and concatenated, with nothing yet assigned a file
// offset. The Layout Builder (C4) turns this into file positions; the
// Header Rewriter (C5) patches the target's structures to point at them.
type MergePlan struct {
	Ident Ident

	DynstrBias         uint64
	SymbolBias         uint64
	VersionIndexOffset uint16

	Dynstr   []byte
	Symbols  []Sym
	RelDyn   []Reloc // T.reldyn ++ biased(S.relplt) ++ biased(S.reldyn), a single combined table
	Version  []uint16
	Verneeds []VerneedEntry

	// Buffers holds the wire-encoded, committed form of each rebuilt table
	// above, keyed by table name ("dynstr", "dynsym", "rel.dyn",
	// "gnu.version", "gnu.version_r"). The Layout Builder reads their
	// lengths; the Emitter writes their bytes. Once committed, a further
	// write panics, so a layout computed from a buffer's length can never
	// silently go stale before the Emitter streams it. The rebuilt .dynamic
	// table is not among these: its content depends on the Layout Builder's
	// own output (the addresses it retargets DT_STRTAB etc. to), so it is
	// encoded directly in Emit instead, the same way Shdrs/Phdrs are.
	Buffers map[string]*SafeBuffer
}

// PlanMerge computes the Merge Plan for extending target with source's
// dynamic-linking metadata, per spec §4.3.
func PlanMerge(target, source *Image) (*MergePlan, error) {
	if target.Ident.Class != source.Ident.Class || target.Ident.Data != source.Ident.Data {
		return nil, ShapeMismatchError(
			"target is %s/%v but source is %s/%v",
			target.Ident.Class, target.Ident.Data, source.Ident.Class, source.Ident.Data)
	}
	if !target.HasDynamic {
		return nil, InvariantError(Context{File: target.Path, Role: RoleTarget}, "target has no PT_DYNAMIC")
	}
	if target.IsRela != source.IsRela {
		return nil, ShapeMismatchError("target uses %s relocations but source uses %s",
			relFormatName(target.IsRela), relFormatName(source.IsRela))
	}

	plan := &MergePlan{Ident: target.Ident}

	// dynstr_bias is the length of the target's string table: every source
	// string offset is shifted by this much so it lands past the target's
	// strings in the concatenated table. Spec §4.3.
	plan.DynstrBias = uint64(len(target.Dynstr))
	plan.Dynstr = append(append([]byte{}, target.Dynstr...), source.Dynstr...)

	// symbol_bias is the target's dynamic symbol count: every source symbol
	// index in a relocation is shifted by this much.
	plan.SymbolBias = uint64(target.SymbolCount)
	plan.Symbols = append(append([]Sym{}, target.Symbols...), biasSymbols(source.Symbols, plan.SymbolBias, plan.DynstrBias)...)

	// version_index_offset is derived from the target's own verneed chain:
	// max(vna_other) - 1, per spec §4.3. A target with no verneed chain at
	// all (no versioned imports) offsets by 0.
	if max := target.MaxVnaOther(); max > 0 {
		plan.VersionIndexOffset = max - 1
	}

	// new_reldyn = T.reldyn ++ biased(S.relplt) ++ biased(S.reldyn): a single
	// combined relocation table referenced by DT_REL[A]. T's plt relocations
	// are not carried forward (DT_JMPREL keeps addressing T's own, untouched
	// .rel[a].plt), and S's plt relocations fold into the combined table
	// alongside its ordinary ones rather than getting a table of their own.
	plan.RelDyn = append(append([]Reloc{}, target.RelDyn...), append(
		biasRelocs(source.RelPlt, plan.SymbolBias),
		biasRelocs(source.RelDyn, plan.SymbolBias)...)...)

	plan.Version = append(append([]uint16{}, target.Version...), biasVersions(source.Version, plan.VersionIndexOffset)...)

	biasedSource, err := biasVerneeds(source.Verneeds, plan.DynstrBias, plan.VersionIndexOffset)
	if err != nil {
		return nil, err
	}
	plan.Verneeds = append(append([]VerneedEntry{}, target.Verneeds...), biasedSource...)
	relinkVerneedChain(plan.Verneeds)

	if err := verifyVerneedChain(plan.Verneeds); err != nil {
		return nil, err
	}

	plan.Buffers = encodeTables(target.Ident, target.IsRela, plan)

	return plan, nil
}

// encodeTables serializes each rebuilt table to its final wire bytes and
// commits the buffer, the way the teacher's SafeBuffer is used elsewhere in
// this codebase to forbid mutation once a size has been handed to a
// downstream stage — here, the Layout Builder.
func encodeTables(id Ident, isRela bool, plan *MergePlan) map[string]*SafeBuffer {
	order := id.Order()

	dynstr := NewSafeBuffer("dynstr")
	dynstr.Write(plan.Dynstr)
	dynstr.Commit()

	dynsym := NewSafeBuffer("dynsym")
	for _, s := range plan.Symbols {
		dynsym.Write(EncodeSym(id, s))
	}
	dynsym.Commit()

	relDyn := NewSafeBuffer("rel.dyn")
	for _, r := range plan.RelDyn {
		relDyn.Write(encodeOneReloc(id, isRela, r))
	}
	relDyn.Commit()

	version := NewSafeBuffer("gnu.version")
	for _, v := range plan.Version {
		version.Write(EncodeVersym(order, v))
	}
	version.Commit()

	verneed := NewSafeBuffer("gnu.version_r")
	for _, e := range plan.Verneeds {
		verneed.Write(EncodeVerneed(order, e.Need))
		for _, a := range e.Aux {
			verneed.Write(EncodeVernaux(order, a))
		}
	}
	verneed.Commit()

	return map[string]*SafeBuffer{
		"dynstr":        dynstr,
		"dynsym":        dynsym,
		"rel.dyn":       relDyn,
		"gnu.version":   version,
		"gnu.version_r": verneed,
	}
}

func encodeOneReloc(id Ident, isRela bool, r Reloc) []byte {
	info := PackInfo(id, r.Sym, r.Type)
	if isRela {
		return EncodeRela(id, Rela{Offset: r.Offset, Info: info, Addend: r.Addend})
	}
	return EncodeRel(id, Rel{Offset: r.Offset, Info: info})
}

func relFormatName(isRela bool) string {
	if isRela {
		return "Rela"
	}
	return "Rel"
}

// biasSymbols shifts each source symbol's st_name by dynstrBias. Indices
// into .gnu.version are positional (symbol i's version is Version[i]), not
// carried on the Sym itself, so no index bias is needed here.
func biasSymbols(syms []Sym, symbolBias, dynstrBias uint64) []Sym {
	out := make([]Sym, len(syms))
	for i, s := range syms {
		s.Name += uint32(dynstrBias)
		out[i] = s
	}
	_ = symbolBias // symbol_bias applies to references TO symbols, not the table itself
	return out
}

// biasRelocs shifts each relocation's embedded symbol index by bias. The
// relocation's r_offset (a virtual address into source's own image) is left
// untouched: the merge only extends the target's dynamic-linking metadata,
// it does not relocate source's code/data into target's address space.
func biasRelocs(relocs []Reloc, bias uint64) []Reloc {
	out := make([]Reloc, len(relocs))
	for i, r := range relocs {
		r.Sym += bias
		out[i] = r
	}
	return out
}

// biasVersions shifts every non-special version index by offset. Indices
// 0 (VER_NDX_LOCAL) and 1 (VER_NDX_GLOBAL) are reserved and never biased,
// per spec §4.3's "index_offset applies only to indices >= 2".
func biasVersions(versions []uint16, offset uint16) []uint16 {
	out := make([]uint16, len(versions))
	for i, v := range versions {
		if v >= 2 {
			v += offset
		}
		out[i] = v
	}
	return out
}

// biasVerneeds rewrites each source Verneed's vn_file string offset and
// every Vernaux's vna_name string offset and vna_other version index. The
// vn_next/vna_next link offsets are recomputed wholesale afterward by
// relinkVerneedChain, since concatenation changes every record's absolute
// position.
func biasVerneeds(entries []VerneedEntry, dynstrBias uint64, versionOffset uint16) ([]VerneedEntry, error) {
	out := make([]VerneedEntry, len(entries))
	for i, e := range entries {
		need := e.Need
		need.File += uint32(dynstrBias)
		aux := make([]Vernaux, len(e.Aux))
		for j, a := range e.Aux {
			a.Name += uint32(dynstrBias)
			if a.Other >= 2 {
				a.Other += versionOffset
			}
			aux[j] = a
		}
		need.Cnt = uint16(len(aux))
		out[i] = VerneedEntry{Need: need, Aux: aux}
	}
	return out, nil
}

// relinkVerneedChain recomputes every vn_next/vna_next as a byte offset
// from its own record's position, matching the layout the Emitter will
// actually write: one Verneed, immediately followed in sequence by its
// Vernaux records, then the next Verneed, and so on (spec §9's chosen
// on-disk shape). The last Verneed's vn_next is left at 0.
func relinkVerneedChain(entries []VerneedEntry) {
	// byte positions of each Verneed from the start of the verneed region.
	pos := make([]int64, 0, len(entries))
	offset := int64(0)
	for _, e := range entries {
		pos = append(pos, offset)
		offset += VerneedSize + int64(len(e.Aux))*VernauxSize
	}

	for i := range entries {
		needPos := pos[i]
		if i == len(entries)-1 {
			entries[i].Need.Next = 0
		} else {
			entries[i].Need.Next = uint32(pos[i+1] - needPos)
		}

		if len(entries[i].Aux) > 0 {
			entries[i].Need.Aux = uint32(VerneedSize)
			for j := range entries[i].Aux {
				if j == len(entries[i].Aux)-1 {
					entries[i].Aux[j].Next = 0
				} else {
					entries[i].Aux[j].Next = uint32(VernauxSize)
				}
			}
		} else {
			entries[i].Need.Aux = 0
		}
	}
}

// verifyVerneedChain is the planner-internal self-check run after
// relinkVerneedChain: it confirms that every Verneed's vn_cnt equals the
// number of Vernaux records it owns. It checks the entries as a slice; it
// does not follow the vn_next/vna_next byte offsets or decode the encoded
// chain.
func verifyVerneedChain(entries []VerneedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	visited := 0
	for i, e := range entries {
		if int(e.Need.Cnt) != len(e.Aux) {
			return InvariantError(Context{Record: "Verneed"}, "verneed %d: vn_cnt %d does not match %d aux records", i, e.Need.Cnt, len(e.Aux))
		}
		visited++
	}
	if visited != len(entries) {
		return InvariantError(Context{Record: "Verneed"}, "verneed chain visits %d records, expected %d", visited, len(entries))
	}
	return nil
}
