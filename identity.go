package elfsplice

import (
	"io"
)

// CopyIdentity streams target's raw bytes verbatim to w. Used when source
// has no PT_DYNAMIC (spec §2: "If the source ELF has no PT_DYNAMIC, the
// target is copied verbatim"), adapted from the teacher's elf_static.go
// "nothing dynamic to link" path.
func CopyIdentity(w io.Writer, target *Image) error {
	stage("emitter").Infow("source has no PT_DYNAMIC, copying target verbatim", "path", target.Path)
	if _, err := w.Write(target.Raw); err != nil {
		return IOErrorf(err, "write %s", target.Path)
	}
	return nil
}
