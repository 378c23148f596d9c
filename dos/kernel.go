package hvdos

import (
	"bufio"
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
	"golang.org/x/term"
)

/*
	DOS service kernel for a hardware-virtualized real-mode guest.

	The guest runs its 16-bit code directly on a virtual CPU. Whenever it
	issues INT 20h or INT 21h the driver traps back to the host and hands
	the interrupt number to Dispatch, which emulates the requested DOS
	service by mutating guest registers and memory, then reports how the
	run loop should resume.

	Implemented INT 21h services (selector in AH):

			02  write character to stdout
			08  character input without echo
			09  write $-terminated string
			0A  buffered line input
			0C  flush output, then invoke an input function
			0E  select default drive
			19  get default drive
			1A  set disk transfer area
			25  set interrupt vector (acknowledged, ignored)
			26  create new program segment prefix
			30  get DOS version
			33  get/set extended break checking
			35  get interrupt vector (always 0000:0000)
			3C  create or truncate file
			3D  open existing file
			3E  close file
			3F  read from file or device
			40  write to file or device
			41  delete file
			42  set current file position
			43  get/set file attributes
			4C  terminate with return code
			4E  find first matching file
			4F  find next matching file
			57  get/set file date and time

	Errors follow the DOS convention: carry set with a DOS error code in AX
	on failure, carry clear on success. Host errnos never reach the guest
	untranslated.

	State that persists between services: the handle table, the DTA
	offset, the extended break checking flag and the latched exit status.
	Everything else is recomputed per call.
*/

// Status tells the run loop how to resume after a dispatch.
type Status int

const (
	// StatusHandled means the service completed; skip the guest past the
	// two-byte INT instruction and resume.
	StatusHandled Status = iota
	// StatusStop means the guest asked to terminate; read ExitStatus.
	StatusStop
	// StatusUnhandled marks an interrupt vector the kernel does not service.
	StatusUnhandled
	// StatusUnsupported marks a known vector with an unknown subfunction.
	StatusUnsupported
	// StatusNoReturn means the handler redirected RIP itself.
	StatusNoReturn
)

type Kernel struct {
	mem Memory
	cpu VCpu

	fds *fdTable
	dta uint16

	extendedBreak bool
	exitStatus    byte

	stdin  *bufio.Reader
	stdout *bufio.Writer
	// Raw-mode single-byte reads only make sense on a real terminal.
	stdinTTY bool

	trace bool
}

// NewKernel wires a kernel to the guest memory window and vCPU handle, both
// borrowed from the driver. argv is the host command line; everything after
// the program image path becomes the PSP command tail. Construction writes
// the initial PSP at offset 0 of the program's data segment and claims the
// standard handles.
func NewKernel(mem Memory, cpu VCpu, argv []string) *Kernel {
	k := &Kernel{
		mem:      mem,
		cpu:      cpu,
		fds:      newFDTable(int(os.Stdin.Fd()), int(os.Stdout.Fd()), int(os.Stderr.Fd())),
		stdin:    bufio.NewReader(os.Stdin),
		stdout:   bufio.NewWriter(os.Stdout),
		stdinTTY: term.IsTerminal(int(os.Stdin.Fd())),
		trace:    env.Bool("HVDOS_TRACE"),
	}

	k.makePSP(k.ds(), argv)

	return k
}

// ExitStatus is the code latched by INT 21/AH=4C, or zero after INT 20.
// Only meaningful once Dispatch has returned StatusStop.
func (k *Kernel) ExitStatus() byte {
	return k.exitStatus
}

// Dispatch emulates one trapped software interrupt.
func (k *Kernel) Dispatch(intNo byte) Status {
	switch intNo {
	case 0x20:
		return k.int20()
	case 0x21:
		return k.int21()
	}
	return StatusUnhandled
}

func (k *Kernel) int20() Status {
	k.exitStatus = 0
	return StatusStop
}

func (k *Kernel) int21() Status {
	if k.trace {
		fmt.Fprintf(os.Stderr, "\n[%04x] INT 21/AH=%02Xh\n", k.reg16(RegRIP), k.ah())
	}

	switch k.ah() {
	case 0x02:
		return k.writeChar()
	case 0x08:
		return k.charInputNoEcho()
	case 0x09:
		return k.writeString()
	case 0x0A:
		return k.bufferedInput()
	case 0x0C:
		return k.flushAndInvoke()
	case 0x0E:
		return k.selectDrive()
	case 0x19:
		return k.currentDrive()
	case 0x1A:
		return k.setDTA()
	case 0x25:
		return k.setInterruptVector()
	case 0x26:
		return k.createPSP()
	case 0x30:
		return k.dosVersion()
	case 0x33:
		return k.breakChecking()
	case 0x35:
		return k.getInterruptVector()
	case 0x3C:
		return k.createFile()
	case 0x3D:
		return k.openFile()
	case 0x3E:
		return k.closeFile()
	case 0x3F:
		return k.readFile()
	case 0x40:
		return k.writeFile()
	case 0x41:
		return k.unlinkFile()
	case 0x42:
		return k.seekFile()
	case 0x43:
		return k.fileAttributes()
	case 0x4C:
		return k.exitProgram()
	case 0x4E:
		return k.findFirst()
	case 0x4F:
		return k.findNext()
	case 0x57:
		return k.fileDateTime()
	}

	fmt.Fprintf(os.Stderr, "Unknown interrupt 0x21/0x%02X\n", k.ah())
	return StatusUnsupported
}

// DOS 1+ - SELECT DEFAULT DRIVE
func (k *Kernel) selectDrive() Status {
	k.setAL(k.dl() + 'A')
	return StatusHandled
}

// DOS 1+ - GET CURRENT DEFAULT DRIVE
// Everything lives on drive A.
func (k *Kernel) currentDrive() Status {
	k.setAL(0)
	return StatusHandled
}

// DOS 1+ - SET DISK TRANSFER AREA ADDRESS
func (k *Kernel) setDTA() Status {
	k.dta = k.dx()
	return StatusHandled
}

// DOS 1+ - SET INTERRUPT VECTOR
// Vector hooking is acknowledged but has no effect; the guest's handlers
// are never called because every interrupt traps to the host.
func (k *Kernel) setInterruptVector() Status {
	if k.trace {
		fmt.Fprintf(os.Stderr, "SET INTERRUPT VECTOR: 0x%02x to %04x:%04x\n",
			k.al(), k.ds(), k.dx())
	}
	return StatusHandled
}

// DOS 1+ - CREATE NEW PROGRAM SEGMENT PREFIX
func (k *Kernel) createPSP() Status {
	k.makePSP(k.ds(), nil)
	return StatusHandled
}

// DOS 2+ - GET DOS VERSION
func (k *Kernel) dosVersion() Status {
	k.setAL(7)
	k.setAH(0)
	return StatusHandled
}

// DOS 2+ - EXTENDED BREAK CHECKING
func (k *Kernel) breakChecking() Status {
	switch k.al() {
	case 0x00:
		v := byte(0)
		if k.extendedBreak {
			v = 1
		}
		k.setDL(v)
	case 0x01:
		k.extendedBreak = k.dl() != 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown subfunction 0x21/0x33/0x%02X\n", k.al())
	}
	return StatusHandled
}

// DOS 2+ - GET INTERRUPT VECTOR
// Reports 0000:0000 for every vector; see setInterruptVector.
func (k *Kernel) getInterruptVector() Status {
	k.setReg16(RegES, 0)
	k.setBX(0)
	return StatusHandled
}

// DOS 2+ - EXIT - TERMINATE WITH RETURN CODE
func (k *Kernel) exitProgram() Status {
	k.exitStatus = k.al()
	return StatusStop
}

// DOS 2+ - GET/SET FILE'S LAST-WRITTEN DATE AND TIME
// Timestamps are not emulated; report success so date-checking guests
// proceed.
func (k *Kernel) fileDateTime() Status {
	k.setCarry(false)
	return StatusHandled
}
