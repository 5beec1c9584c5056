// Package loader loads an ELF executable's PT_LOAD segments into a fresh
// process address space: spec.md 4.9's process-creation path, grounded on
// original_source/kern/env.c's load_icode (walk program headers, map and
// zero-fill each PT_LOAD segment, copy only p_filesz bytes so the
// remainder of p_memsz reads back as bss, map one stack page, set the
// entry rip).
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/zuziik/KP2018/internal/kconfig"
	"github.com/zuziik/KP2018/internal/kerr"
	"github.com/zuziik/KP2018/internal/pagetable"
	"github.com/zuziik/KP2018/internal/proc"
	"github.com/zuziik/KP2018/internal/util"
	"github.com/zuziik/KP2018/internal/vma"
)

// stackPages is the size, in pages, of the single stack region mapped
// below USTACK_TOP for a freshly loaded process (original env.c maps
// exactly one page there).
const stackPages = 1

// stackTop is the user stack's top address; original env.c defines
// USTACK_TOP at the same offset below USERTOP used here.
const stackTop = uintptr(kconfig.USERTOP) - kconfig.PageSize

// Load parses an ELF image and registers one Binary VMA per PT_LOAD
// segment plus a stack VMA, setting p.Frame.RIP and p.Frame.RSP to the
// entry point and initial stack pointer (spec.md 4.9). Pages are not
// populated here; the fault handler demand-pages them on first access,
// matching spec.md 4.3/4.4's demand-paging contract rather than original
// env.c's eager region_alloc+memcpy.
func Load(p *proc.Proc, image []byte) kerr.Errno {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return kerr.Invalid
	}
	defer f.Close()

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(p, image, prog); err != kerr.Ok {
			return err
		}
	}

	if _, ok := p.VMAs.Insert(stackTop, stackPages*kconfig.PageSize,
		pagetable.Writable|pagetable.User, vma.Stack); !ok {
		return kerr.Invalid
	}

	p.Frame.RIP = f.Entry
	p.Frame.RSP = uint64(stackTop) + stackPages*kconfig.PageSize
	return kerr.Ok
}

func loadSegment(p *proc.Proc, image []byte, prog *elf.Prog) kerr.Errno {
	va := util.Rounddown(uintptr(prog.Vaddr), uintptr(kconfig.PageSize))
	pageOff := uintptr(prog.Vaddr) - va
	length := util.Roundup(pageOff+uintptr(prog.Memsz), uintptr(kconfig.PageSize))

	perm := pagetable.User
	if prog.Flags&elf.PF_W != 0 {
		perm |= pagetable.Writable
	}
	if prog.Flags&elf.PF_X == 0 {
		perm |= pagetable.NoExec
	}

	if int64(prog.Off)+int64(prog.Filesz) > int64(len(image)) {
		return kerr.Invalid
	}
	// src is indexed relative to the page-aligned region start va, so it
	// carries pageOff leading zero bytes before the file-backed data that
	// original env.c's load_icode implicitly gets from region_alloc
	// zeroing a page before memcpy-ing the file bytes into the middle of it.
	src := make([]byte, pageOff+uintptr(prog.Filesz))
	copy(src[pageOff:], image[prog.Off:prog.Off+prog.Filesz])

	area, ok := p.VMAs.Insert(va, length, perm, vma.Binary)
	if !ok {
		return kerr.Invalid
	}
	area.Src = src
	area.SrcLen = pageOff + uintptr(prog.Filesz)
	return kerr.Ok
}

// Sanity is a tiny self-check a caller can run over a decoded image before
// Load, surfacing a readable error instead of a generic Invalid.
func Sanity(image []byte) error {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return fmt.Errorf("loader: not a valid ELF image: %w", err)
	}
	defer f.Close()
	if f.Machine != elf.EM_X86_64 {
		return fmt.Errorf("loader: unsupported machine %v, want x86-64", f.Machine)
	}
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			return nil
		}
	}
	return fmt.Errorf("loader: image has no PT_LOAD segments")
}
