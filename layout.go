package elfsplice

import "fmt"

const pageSize = 0x1000

// alignUp rounds v up to the next multiple of align (align must be a power
// of two), via the truncating-division idiom the teacher's elf_static.go
// uses for its own segment alignment arithmetic.
func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// region is one named, sized table placed within the appended trailing
// area: offset and addr are filled in by BuildLayout.
type region struct {
	Name   string
	Size   uint64
	Offset uint64
	Addr   uint64
}

// Layout is the Layout Builder's (C4) output: file offsets and a single
// virtual-address origin for the trailing region holding the rebuilt
// tables plus the retargeted .dynamic and the new section and program
// header tables, per spec §4.4.
type Layout struct {
	Ident Ident

	StartOffset uint64 // page-aligned file offset the trailing region begins at
	StartAddr   uint64 // page-aligned virtual address the trailing region begins at

	Dynstr     region
	Symtab     region
	RelDyn     region
	Gnuversion region
	Verneed    region
	Dynamic    region
	Shdrs      region
	Phdrs      region

	TotalSize uint64 // bytes from StartOffset through the end of Phdrs (not rounded up)
}

// BuildLayout lays the plan's rebuilt tables out back-to-back starting at a
// page-aligned offset past the end of the target file, at the virtual
// address min(PT_LOAD p_vaddr) + that offset. Both the offset and the
// address must be page-aligned (an InvariantViolation otherwise), so
// p_vaddr ≡ p_offset (mod page size) holds for the new segment. new_dynamic sits between new_gnuversion_r
// and the new section header table, per spec §4.6's write order; it carries
// exactly as many Dyn entries as target's own .dynamic (retargeted tag
// values, not new tags), so its size is known without the Header Rewriter's
// output.
func BuildLayout(target *Image, plan *MergePlan, newShdrCount, newPhdrCount int) (*Layout, error) {
	l := &Layout{Ident: target.Ident}

	l.StartOffset = alignUp(uint64(len(target.Raw)), pageSize)
	l.StartAddr = lowestLoadVaddr(target.Phdrs) + l.StartOffset

	if l.StartOffset%pageSize != 0 || l.StartAddr%pageSize != 0 {
		return nil, InvariantError(Context{File: target.Path, Role: RoleOutput}, "computed trailing region start is not page-aligned: offset=0x%x addr=0x%x", l.StartOffset, l.StartAddr)
	}

	buf := func(name string) uint64 { return uint64(plan.Buffers[name].Len()) }

	cursor := l.StartOffset
	cursor = l.place(&l.Dynstr, "dynstr", buf("dynstr"), cursor)
	cursor = l.place(&l.Symtab, "symtab", buf("dynsym"), cursor)
	cursor = l.place(&l.RelDyn, "rel.dyn", buf("rel.dyn"), cursor)
	cursor = l.place(&l.Gnuversion, "gnu.version", buf("gnu.version"), cursor)
	cursor = l.place(&l.Verneed, "gnu.version_r", buf("gnu.version_r"), cursor)
	cursor = l.place(&l.Dynamic, "dynamic", uint64(len(target.Dynamic)*DynSize(target.Ident.Class)), cursor)

	cursor = l.place(&l.Shdrs, "shdrs", uint64(newShdrCount*ShdrSize(target.Ident.Class)), cursor)
	cursor = l.place(&l.Phdrs, "phdrs", uint64(newPhdrCount*PhdrSize(target.Ident.Class)), cursor)

	l.TotalSize = cursor - l.StartOffset
	return l, nil
}

// place assigns r's offset/addr at cursor and returns the next cursor,
// maintaining the invariant that each table's virtual address tracks its
// file offset by the same constant (StartAddr - StartOffset), so the whole
// trailing region is describable by a single new PT_LOAD.
func (l *Layout) place(r *region, name string, size uint64, cursor uint64) uint64 {
	r.Name = name
	r.Size = size
	r.Offset = cursor
	r.Addr = l.StartAddr + (cursor - l.StartOffset)
	return cursor + size
}

// lowestLoadVaddr returns the smallest p_vaddr among the PT_LOAD segments,
// or 0 if there are none.
func lowestLoadVaddr(phdrs []Phdr) uint64 {
	var min uint64
	found := false
	for _, p := range phdrs {
		if p.Type != PT_LOAD {
			continue
		}
		if !found || p.Vaddr < min {
			min = p.Vaddr
			found = true
		}
	}
	return min
}

// Describe renders the layout as the --dry-run preview, region by region.
func (l *Layout) Describe() []string {
	var lines []string
	for _, r := range []region{l.Dynstr, l.Symtab, l.RelDyn, l.Gnuversion, l.Verneed, l.Dynamic, l.Shdrs, l.Phdrs} {
		lines = append(lines, sprintRegion(r))
	}
	return lines
}

func sprintRegion(r region) string {
	return fmt.Sprintf("%s: 0x%x / 0x%x (%d bytes)", r.Name, r.Offset, r.Addr, r.Size)
}
