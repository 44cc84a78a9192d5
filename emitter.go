package elfsplice

import (
	"io"
)

// Emit streams the merged output: the rewritten ELF header, the remainder
// of the target file verbatim up to the trailing region, zero padding to
// the page boundary, then the rebuilt tables (ending with the retargeted
// .dynamic), the section header table, and the program header table — in
// that exact sequence (spec §4.6) — asserting the write cursor matches
// each precomputed Layout offset before every write.
func Emit(w io.Writer, target *Image, plan *MergePlan, patch *Patch, layout *Layout) error {
	log := stage("emitter")
	cursor := uint64(0)

	write := func(name string, wantOffset uint64, b []byte) error {
		if wantOffset != 0 && cursor != wantOffset {
			return InvariantError(Context{Role: RoleOutput, Record: name}, "write cursor at 0x%x, expected 0x%x", cursor, wantOffset)
		}
		n, err := w.Write(b)
		if err != nil {
			return IOErrorf(err, "write %s", name)
		}
		cursor += uint64(n)
		log.Debugw("wrote region", "region", name, "offset", wantOffset, "size", len(b))
		return nil
	}

	ehdrBytes := EncodeEhdr(target.Ident, patch.Ehdr)
	if err := write("Ehdr", 0, ehdrBytes); err != nil {
		return err
	}

	if err := write("target body", uint64(len(ehdrBytes)), target.Raw[len(ehdrBytes):]); err != nil {
		return err
	}

	if cursor < layout.StartOffset {
		if err := write("padding", cursor, make([]byte, layout.StartOffset-cursor)); err != nil {
			return err
		}
	}

	if err := write(".dynstr", layout.Dynstr.Offset, plan.Buffers["dynstr"].Bytes()); err != nil {
		return err
	}
	if err := write(".dynsym", layout.Symtab.Offset, plan.Buffers["dynsym"].Bytes()); err != nil {
		return err
	}
	if err := write(".rel.dyn", layout.RelDyn.Offset, plan.Buffers["rel.dyn"].Bytes()); err != nil {
		return err
	}
	if err := write(".gnu.version", layout.Gnuversion.Offset, plan.Buffers["gnu.version"].Bytes()); err != nil {
		return err
	}
	if err := write(".gnu.version_r", layout.Verneed.Offset, plan.Buffers["gnu.version_r"].Bytes()); err != nil {
		return err
	}

	var dynBuf []byte
	for _, d := range patch.Dynamic {
		dynBuf = append(dynBuf, EncodeDyn(target.Ident, d)...)
	}
	if err := write(".dynamic", layout.Dynamic.Offset, dynBuf); err != nil {
		return err
	}

	var shdrBuf []byte
	for _, s := range patch.Shdrs {
		shdrBuf = append(shdrBuf, EncodeShdr(target.Ident, s)...)
	}
	if err := write("Shdrs", layout.Shdrs.Offset, shdrBuf); err != nil {
		return err
	}

	var phdrBuf []byte
	for _, p := range patch.Phdrs {
		phdrBuf = append(phdrBuf, EncodePhdr(target.Ident, p)...)
	}
	if err := write("Phdrs", layout.Phdrs.Offset, phdrBuf); err != nil {
		return err
	}

	log.Infow("merge complete", "total_size", cursor)
	return nil
}

