package hart

// Register numbers used by the calling convention.
const (
	RegZero = 0
	RegRA   = 1
	RegSP   = 2
	RegA0   = 10
	RegA1   = 11
	RegA2   = 12
	RegA7   = 17
)

// sstatusSPIE mirrors the SPIE bit; SPP stays clear so sret returns to user
// mode.
const sstatusSPIE = 1 << 5

// TrapFrame is the user register snapshot saved on entry to the kernel.
type TrapFrame struct {
	X           [32]uint64
	Sstatus     uint64
	Sepc        uint64
	KernelSatp  uint64
	KernelSp    uint64
	TrapHandler uint64
}

// AppInitContext returns the trap frame of a program about to enter user
// mode at entry with its stack pointer at sp.
func AppInitContext(entry, sp, kernelSatp, kernelSp, trapHandler uint64) TrapFrame {
	tf := TrapFrame{
		Sstatus:     sstatusSPIE,
		Sepc:        entry,
		KernelSatp:  kernelSatp,
		KernelSp:    kernelSp,
		TrapHandler: trapHandler,
	}
	tf.X[RegSP] = sp
	return tf
}

// Syscall returns the syscall number and arguments of an ecall trap.
func (tf *TrapFrame) Syscall() (uint64, [3]uint64) {
	return tf.X[RegA7], [3]uint64{tf.X[RegA0], tf.X[RegA1], tf.X[RegA2]}
}

// SetReturn stores a syscall result in a0.
func (tf *TrapFrame) SetReturn(v int64) {
	tf.X[RegA0] = uint64(v)
}
