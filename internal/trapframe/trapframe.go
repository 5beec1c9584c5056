// Package trapframe defines the saved kernel/user register state and the
// hooks a real kernel would implement in assembly around it (spec.md 6
// "trap frame", "enter_user"). Since there is no real ring transition in a
// hosted Go process, EnterUser and SaveOnEntry are function types for a
// driver to supply, the way the teacher's Tlbshoot/raise IPI machinery is
// injected around vm/as.go rather than hardcoded to real hardware. No
// package in this module, cmd/kernel included, supplies one.
package trapframe

// Frame is the saved general-purpose and control register state for one
// process, restored on dispatch and captured on kernel entry
// (spec.md 3 "Process", trap frame field).
type Frame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RSP    uint64
	RFlags uint64

	// TrapNo/ErrCode record why the kernel was entered: a system call
	// number, or a fault vector (spec.md 4.4 "page-fault handler").
	TrapNo  uint64
	ErrCode uint64
}

// EnterUser transfers control to a process's saved Frame: on real hardware
// this is an iret; here it is supplied by the driver loop that "executes"
// simulated user code (spec.md 1).
type EnterUser func(f *Frame)

// SaveOnEntry captures the interrupted context into f when the kernel is
// entered via syscall, fault, or external interrupt.
type SaveOnEntry func(f *Frame)
