//go:build linux

package main

import (
	"fmt"
	"os"

	"hvdos/dos"
)

/*
	hvdos - runs real-mode DOS .COM programs on a KVM virtual CPU.

	The guest's code executes natively; the only emulation is the DOS
	service layer, which the kernel package provides whenever the guest
	issues INT 20h or INT 21h. Exits with the status the guest passed to
	INT 21/AH=4Ch (or zero for INT 20h).

	Usage: hvdos <program.com> [args...]

	Arguments after the program path become the guest's PSP command tail.
	Set HVDOS_TRACE=1 to log each dispatched service to stderr.
*/

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Println("Usage: hvdos <program.com> [args...]")
		return 1
	}

	m, err := newMachine()
	if err != nil {
		fmt.Println(err)
		return 1
	}
	defer m.close()

	file, err := os.Open(os.Args[1])
	if err != nil {
		fmt.Println(err)
		return 1
	}
	if _, err := m.mem.LoadCOM(comSeg, file); err != nil {
		fmt.Println(err)
		return 1
	}
	file.Close()

	kernel := hvdos.NewKernel(m.mem, m, os.Args)
	m.initRegs()

	stop := false
	for !stop {
		if err := m.runVCPU(); err != nil {
			fmt.Println("KVM_RUN:", err)
			break
		}

		switch reason := m.exitReason(); reason {
		case kvmExitHLT:
			vector, trapped := m.trappedVector()
			if !trapped {
				// The guest executed a HLT of its own.
				stop = true
				break
			}

			switch kernel.Dispatch(vector) {
			case hvdos.StatusHandled:
				m.returnFromInterrupt()
			case hvdos.StatusNoReturn:
				// The kernel redirected RIP itself.
			case hvdos.StatusStop, hvdos.StatusUnsupported:
				stop = true
			case hvdos.StatusUnhandled:
				fmt.Fprintf(os.Stderr, "unhandled interrupt 0x%02X\n", vector)
				stop = true
			}

		case kvmExitIntr:
			// Host interrupt during guest execution, nothing to do.

		case kvmExitIO, kvmExitMMIO:
			fmt.Fprintf(os.Stderr, "unsupported guest I/O (exit reason %d)\n", reason)
			stop = true

		case kvmExitShutdown, kvmExitFailEntry, kvmExitInternalError:
			fmt.Fprintf(os.Stderr, "vCPU fault (exit reason %d)\n", reason)
			stop = true

		default:
			fmt.Fprintf(os.Stderr, "unhandled VMEXIT (%d)\n", reason)
			stop = true
		}
	}

	return int(kernel.ExitStatus())
}
