// Package userprog assembles the built-in user programs and installs them
// into a filesystem.
package userprog

import (
	"taskos/pkg/abi"
	"taskos/pkg/fs/memfs"
	"taskos/pkg/hart/asm"
)

// Names of the built-in programs.
const (
	InitProc  = "initproc"
	Shell     = "user_shell"
	Hello     = "hello"
	ForkTest  = "forktest"
	FileTest  = "filetest"
	MmapTest  = "mmaptest"
	SbrkTest  = "sbrktest"
	InfoTest  = "infotest"
	PageFault = "pagefault"
	Illegal   = "illegal"
)

// Programs returns every built-in program by name. The init program spawns
// shell.
func Programs(shell string) map[string][]byte {
	return map[string][]byte{
		InitProc:  initProc(shell),
		Shell:     userShell(),
		Hello:     hello(),
		ForkTest:  forkTest(),
		FileTest:  fileTest(),
		MmapTest:  mmapTest(),
		SbrkTest:  sbrkTest(),
		InfoTest:  infoTest(),
		PageFault: pageFault(),
		Illegal:   illegal(),
	}
}

// Install writes every built-in program into root.
func Install(root *memfs.FS, shell string) error {
	for name, image := range Programs(shell) {
		if err := root.WriteFile(name, image); err != nil {
			return err
		}
	}
	return nil
}

// initProc spawns the shell, reaps every child it is given and exits with
// the shell's exit code once no children remain.
func initProc(shell string) []byte {
	p := newProg()
	p.String("shell", shell).Space("code", 8)

	p.La(asm.A0, "shell").Syscall(abi.SysSpawn).
		Blt(asm.A0, asm.Zero, "fail").
		Mv(asm.S0, asm.A0).
		Li(asm.S1, 0).
		Li(asm.S2, -1)
	p.Label("loop")
	p.waitpid(asm.S2)
	p.Blt(asm.A0, asm.Zero, "done").
		Bne(asm.A0, asm.S0, "loop").
		La(asm.T0, "code").Lw(asm.S1, asm.T0, 0).
		J("loop")
	p.Label("done").
		Mv(asm.A0, asm.S1).Syscall(abi.SysExit)
	p.Label("fail")
	p.print("initproc: cannot spawn " + shell + "\n")
	p.exit(1)
	return p.link()
}

// userShell reads command lines from stdin, spawns each one and reports its
// exit code. It exits at end of input.
func userShell() []byte {
	p := newProg()
	p.Space("line", 128).Space("code", 8)

	p.Li(asm.S5, 0)
	p.Label("prompt")
	p.print("$ ")
	p.La(asm.S0, "line").Mv(asm.S1, asm.S0)

	p.Label("readc").
		Li(asm.A0, abi.Stdin).Mv(asm.A1, asm.S1).Li(asm.A2, 1).Syscall(abi.SysRead).
		Bge(asm.Zero, asm.A0, "eof").
		Lbu(asm.T0, asm.S1, 0).
		Li(asm.T1, '\n').Beq(asm.T0, asm.T1, "eol").
		Li(asm.T1, '\r').Beq(asm.T0, asm.T1, "eol").
		Li(asm.A0, abi.Stdout).Mv(asm.A1, asm.S1).Li(asm.A2, 1).Syscall(abi.SysWrite).
		Sub(asm.T0, asm.S1, asm.S0).Li(asm.T1, 127).Bge(asm.T0, asm.T1, "readc").
		Addi(asm.S1, asm.S1, 1).
		J("readc")

	p.Label("eof").
		Beq(asm.S1, asm.S0, "quit").
		Li(asm.S5, 1)
	p.Label("eol")
	p.print("\n")
	p.Beq(asm.S1, asm.S0, "prompt").
		Sb(asm.Zero, asm.S1, 0).
		Mv(asm.A0, asm.S0).Syscall(abi.SysSpawn).
		Blt(asm.A0, asm.Zero, "notfound").
		Mv(asm.S2, asm.A0)
	p.waitpid(asm.S2)
	p.print("[shell] process ")
	p.printReg(asm.S2)
	p.print(" exited with code ")
	p.La(asm.T0, "code").Lw(asm.S3, asm.T0, 0)
	p.printReg(asm.S3)
	p.print("\n")
	p.J("next")

	p.Label("notfound")
	p.print("[shell] command not found: ")
	p.Li(asm.A0, abi.Stdout).Mv(asm.A1, asm.S0).Sub(asm.A2, asm.S1, asm.S0).Syscall(abi.SysWrite)
	p.print("\n")

	p.Label("next").
		Bne(asm.S5, asm.Zero, "quit").
		J("prompt")
	p.Label("quit")
	p.exit(0)
	return p.link()
}

func hello() []byte {
	p := newProg()
	p.print("Hello, world!\n")
	p.exit(0)
	return p.link()
}

// forkTest forks five children that exit with distinct codes and checks
// the codes reaped.
func forkTest() []byte {
	const children = 5
	p := newProg()
	p.Space("code", 8)

	p.Li(asm.S0, 0).Li(asm.S1, children)
	p.Label("fork").
		Bge(asm.S0, asm.S1, "reap").
		Syscall(abi.SysFork).
		Beq(asm.A0, asm.Zero, "child").
		Blt(asm.A0, asm.Zero, "fail").
		Addi(asm.S0, asm.S0, 1).
		J("fork")

	p.Label("child")
	p.print("forktest: child running\n")
	p.Addi(asm.A0, asm.S0, 100).Syscall(abi.SysExit)

	p.Label("reap").
		Li(asm.S2, 0).Li(asm.S3, 0).Li(asm.S4, -1)
	p.Label("reap.loop")
	p.waitpid(asm.S4)
	p.Blt(asm.A0, asm.Zero, "check").
		La(asm.T0, "code").Lw(asm.T1, asm.T0, 0).
		Add(asm.S2, asm.S2, asm.T1).
		Addi(asm.S3, asm.S3, 1).
		J("reap.loop")

	p.Label("check").
		Bne(asm.S3, asm.S1, "fail").
		Li(asm.T0, children*100+children*(children-1)/2).
		Bne(asm.S2, asm.T0, "fail")
	p.print("forktest passed\n")
	p.exit(0)

	p.Label("fail")
	p.print("forktest failed\n")
	p.exit(1)
	return p.link()
}

// fileTest writes a file, reads it back through a new descriptor and checks
// hard link bookkeeping through fstat.
func fileTest() []byte {
	const msg = "Hello, world!"
	p := newProg()
	p.String("filea", "filea").String("fileb", "fileb").
		Data("msg", []byte(msg)).Space("buf", 64).Space("stat", 80)

	p.La(asm.A0, "filea").Li(asm.A1, int32(abi.OpenCreate|abi.OpenWrite)).Syscall(abi.SysOpen).
		Blt(asm.A0, asm.Zero, "fail").
		Mv(asm.S0, asm.A0).
		Mv(asm.A0, asm.S0).La(asm.A1, "msg").Li(asm.A2, int32(len(msg))).Syscall(abi.SysWrite).
		Li(asm.T0, int32(len(msg))).Bne(asm.A0, asm.T0, "fail").
		Mv(asm.A0, asm.S0).Syscall(abi.SysClose).
		Bne(asm.A0, asm.Zero, "fail")

	p.La(asm.A0, "filea").Li(asm.A1, int32(abi.OpenRead)).Syscall(abi.SysOpen).
		Blt(asm.A0, asm.Zero, "fail").
		Mv(asm.S0, asm.A0).
		Mv(asm.A0, asm.S0).La(asm.A1, "buf").Li(asm.A2, 64).Syscall(abi.SysRead).
		Li(asm.T0, int32(len(msg))).Bne(asm.A0, asm.T0, "fail")

	p.La(asm.T0, "msg").La(asm.T1, "buf").Li(asm.T2, int32(len(msg)))
	p.Label("cmp").
		Beq(asm.T2, asm.Zero, "links").
		Lbu(asm.T3, asm.T0, 0).Lbu(asm.T4, asm.T1, 0).
		Bne(asm.T3, asm.T4, "fail").
		Addi(asm.T0, asm.T0, 1).Addi(asm.T1, asm.T1, 1).Addi(asm.T2, asm.T2, -1).
		J("cmp")

	// nlink is at offset 20 of struct stat.
	p.Label("links").
		La(asm.A0, "filea").La(asm.A1, "fileb").Syscall(abi.SysLinkat).
		Bne(asm.A0, asm.Zero, "fail").
		Mv(asm.A0, asm.S0).La(asm.A1, "stat").Syscall(abi.SysFstat).
		Bne(asm.A0, asm.Zero, "fail").
		La(asm.T0, "stat").Lw(asm.T1, asm.T0, 20).
		Li(asm.T2, 2).Bne(asm.T1, asm.T2, "fail").
		La(asm.A0, "fileb").Syscall(abi.SysUnlinkat).
		Bne(asm.A0, asm.Zero, "fail").
		La(asm.A0, "filea").La(asm.A1, "filea").Syscall(abi.SysLinkat).
		Li(asm.T0, abi.ErrGeneric).Bne(asm.A0, asm.T0, "fail").
		Mv(asm.A0, asm.S0).Syscall(abi.SysClose)
	p.print("filetest passed\n")
	p.exit(0)

	p.Label("fail")
	p.print("filetest failed\n")
	p.exit(1)
	return p.link()
}

// mmapTest maps a page, uses it, checks overlap and permission errors and
// unmaps it again.
func mmapTest() []byte {
	const base = 0x10000000
	p := newProg()

	p.Li(asm.A0, base).Li(asm.A1, 4096).Li(asm.A2, abi.PortRead|abi.PortWrite).Syscall(abi.SysMmap).
		Bne(asm.A0, asm.Zero, "fail").
		Li(asm.A0, base).Li(asm.A1, 4096).Li(asm.A2, abi.PortRead).Syscall(abi.SysMmap).
		Li(asm.T0, abi.ErrGeneric).Bne(asm.A0, asm.T0, "fail").
		Li(asm.A0, base+0x10000).Li(asm.A1, 4096).Li(asm.A2, 0).Syscall(abi.SysMmap).
		Li(asm.T0, abi.ErrGeneric).Bne(asm.A0, asm.T0, "fail").
		Li(asm.T0, base).Li(asm.T1, 0x1234).Sd(asm.T1, asm.T0, 8).Ld(asm.T2, asm.T0, 8).
		Bne(asm.T1, asm.T2, "fail").
		Li(asm.A0, base).Li(asm.A1, 4096).Syscall(abi.SysMunmap).
		Bne(asm.A0, asm.Zero, "fail").
		Li(asm.A0, base).Li(asm.A1, 4096).Syscall(abi.SysMunmap).
		Li(asm.T0, abi.ErrGeneric).Bne(asm.A0, asm.T0, "fail")
	p.print("mmaptest passed\n")
	p.exit(0)

	p.Label("fail")
	p.print("mmaptest failed\n")
	p.exit(1)
	return p.link()
}

// sbrkTest grows the heap by a page, uses it and shrinks it back.
func sbrkTest() []byte {
	p := newProg()

	p.Li(asm.A0, 0).Syscall(abi.SysSbrk).Mv(asm.S0, asm.A0).
		Li(asm.A0, 4096).Syscall(abi.SysSbrk).
		Bne(asm.A0, asm.S0, "fail").
		Li(asm.T1, 77).Sd(asm.T1, asm.S0, 0).Ld(asm.T2, asm.S0, 0).
		Bne(asm.T1, asm.T2, "fail").
		Li(asm.A0, -4096).Syscall(abi.SysSbrk).
		Addi(asm.T0, asm.S0, 4096).Bne(asm.A0, asm.T0, "fail").
		Li(asm.A0, 0).Syscall(abi.SysSbrk).
		Bne(asm.A0, asm.S0, "fail")
	p.print("sbrktest passed\n")
	p.exit(0)

	p.Label("fail")
	p.print("sbrktest failed\n")
	p.exit(1)
	return p.link()
}

// infoTest checks the status and syscall counters reported by task_info.
func infoTest() []byte {
	const timesOffset = 8
	p := newProg()
	p.Space("info", 8+abi.MaxSyscallNum*8+8)

	p.Syscall(abi.SysGetpid).Syscall(abi.SysGetpid).
		La(asm.A0, "info").Syscall(abi.SysTaskInfo).
		Bne(asm.A0, asm.Zero, "fail").
		La(asm.S0, "info").
		Lw(asm.T0, asm.S0, 0).Li(asm.T1, int32(abi.TaskRunning)).Bne(asm.T0, asm.T1, "fail").
		Ld(asm.T0, asm.S0, timesOffset+abi.SysGetpid*8).Li(asm.T1, 2).Bne(asm.T0, asm.T1, "fail").
		Ld(asm.T0, asm.S0, timesOffset+abi.SysTaskInfo*8).Li(asm.T1, 1).Bne(asm.T0, asm.T1, "fail")
	p.print("infotest passed\n")
	p.exit(0)

	p.Label("fail")
	p.print("infotest failed\n")
	p.exit(1)
	return p.link()
}

// pageFault stores through a null pointer.
func pageFault() []byte {
	p := newProg()
	p.print("pagefault: storing to 0x0\n")
	p.Li(asm.T0, 0).Sd(asm.T0, asm.T0, 0)
	p.exit(0)
	return p.link()
}

// illegal executes an undecodable instruction.
func illegal() []byte {
	p := newProg()
	p.print("illegal: executing a bad opcode\n")
	p.Raw(0xff)
	p.exit(0)
	return p.link()
}
