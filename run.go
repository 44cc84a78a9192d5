package elfsplice

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Run drives the full pipeline for one invocation: parse target and
// source, take the identity fast path if source has no PT_DYNAMIC,
// otherwise plan/layout/rewrite/emit the merge, then write the result to
// output ("-" for stdout) and carry over the target's executable
// permission bits. If dryRun is set, the merge is planned and laid out but
// never written; the computed layout is printed to progress instead.
func Run(toExtend, source, output string, dryRun bool, progress io.Writer) error {
	log := stage("cli")
	log.Infow("starting merge", "target", toExtend, "source", source, "output", output)

	target, err := ParseImage(toExtend)
	if err != nil {
		return err
	}
	src, err := ParseImage(source)
	if err != nil {
		return err
	}

	if !src.HasDynamic {
		if dryRun {
			io.WriteString(progress, "source has no PT_DYNAMIC: output would be an exact copy of target\n")
			return nil
		}
		w, closeFn, err := openOutput(output, toExtend)
		if err != nil {
			return err
		}
		defer closeFn()
		return CopyIdentity(w, target)
	}

	plan, err := PlanMerge(target, src)
	if err != nil {
		return err
	}

	layout, err := BuildLayout(target, plan, len(target.Shdrs), len(target.Phdrs)+1)
	if err != nil {
		return err
	}

	if dryRun {
		for _, line := range layout.Describe() {
			io.WriteString(progress, line+"\n")
		}
		return nil
	}

	patch, err := RewriteHeaders(target, plan, layout)
	if err != nil {
		return err
	}

	w, closeFn, err := openOutput(output, toExtend)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := Emit(w, target, plan, patch, layout); err != nil {
		return err
	}

	log.Infow("merge succeeded", "output", output)
	return nil
}

// openOutput opens output for writing ("-" means stdout), applying the
// same executable permission bits as srcPath once the file exists. stdout
// is left alone: chmod-ing a caller's file descriptor isn't this tool's
// business.
func openOutput(output, srcPath string) (io.Writer, func() error, error) {
	if output == "-" {
		return os.Stdout, func() error { return nil }, nil
	}

	info, err := os.Stat(srcPath)
	if err != nil {
		return nil, nil, IOErrorf(err, "stat %s", srcPath)
	}

	f, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return nil, nil, IOErrorf(err, "open %s", output)
	}

	if info.Mode().Perm()&0111 != 0 {
		if err := unix.Fchmod(int(f.Fd()), uint32(info.Mode().Perm())); err != nil {
			f.Close()
			return nil, nil, IOErrorf(err, "chmod %s", output)
		}
	}

	return f, f.Close, nil
}
