package main

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"hvdos/dos"
)

/*
	KVM machine driver:
			- one VM, one vCPU, 1 MiB of guest memory mapped at physical 0
			- the vCPU starts in real mode with every segment register
			  selecting the program segment, the degenerate CS=DS=ES=SS
			  layout a .COM program assumes
			- software interrupts trap to the host through the IVT: every
			  vector points at a one-byte HLT stub in a reserved segment,
			  so a KVM_EXIT_HLT whose CS is the trap segment identifies
			  the interrupt number by the stub the guest halted in
			- resuming a handled interrupt pops the frame the INT pushed
			  (IP, CS, FLAGS) off the guest stack, keeping the carry flag
			  the kernel just produced

	Register access goes through KVM_GET/SET_REGS and KVM_GET/SET_SREGS on
	every call. That is far from fast, but interrupt dispatch is the only
	consumer and a DOS service is orders of magnitude more expensive than
	the extra ioctls.
*/

const (
	// ioctl request numbers from linux/kvm.h, x86-64 layout.
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmRunIoctl            = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84

	kvmAPIVersion = 12

	// VM exit reasons the run loop distinguishes.
	kvmExitIO            = 2
	kvmExitHLT           = 5
	kvmExitMMIO          = 6
	kvmExitShutdown      = 8
	kvmExitFailEntry     = 9
	kvmExitIntr          = 10
	kvmExitInternalError = 17

	// exit_reason lives at this offset inside the mmap'd kvm_run area.
	kvmRunExitReasonOff = 8

	// Segment holding the 256 one-byte interrupt trap stubs.
	trapSeg = 0xF000

	// Segment the guest program lives in. Real-mode INT delivery walks
	// the live IVT at linear 0, so the PSP cannot share that page the
	// way it could under a driver that traps exceptions before delivery;
	// basing the program one segment multiple up keeps the guest-visible
	// layout (PSP at DS:0, entry at CS:0100h) intact while the IVT stays
	// ours.
	comSeg = 0x1000
)

type kvmRegs struct {
	rax, rbx, rcx, rdx uint64
	rsi, rdi, rsp, rbp uint64
	r8, r9, r10, r11   uint64
	r12, r13, r14, r15 uint64
	rip, rflags        uint64
}

type kvmSegment struct {
	base     uint64
	limit    uint32
	selector uint16
	typ      uint8
	present  uint8
	dpl      uint8
	db       uint8
	s        uint8
	l        uint8
	g        uint8
	avl      uint8
	unusable uint8
	padding  uint8
}

type kvmDtable struct {
	base    uint64
	limit   uint16
	padding [3]uint16
}

type kvmSregs struct {
	cs, ds, es, fs, gs, ss   kvmSegment
	tr, ldt                  kvmSegment
	gdt, idt                 kvmDtable
	cr0, cr2, cr3, cr4, cr8  uint64
	efer, apicBase           uint64
	interruptBitmap          [4]uint64
}

type kvmUserspaceMemoryRegion struct {
	slot          uint32
	flags         uint32
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
}

type machine struct {
	kvmFd  int
	vmFd   int
	vcpuFd int

	mem    hvdos.Memory
	runBuf []byte
}

func ioctl(fd int, request, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), request, arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func newMachine() (*machine, error) {
	m := &machine{kvmFd: -1, vmFd: -1, vcpuFd: -1}

	var err error
	m.kvmFd, err = unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("/dev/kvm: %w", err)
	}

	version, err := ioctl(m.kvmFd, kvmGetAPIVersion, 0)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("KVM_GET_API_VERSION: %w", err)
	}
	if version != kvmAPIVersion {
		m.close()
		return nil, fmt.Errorf("unsupported KVM API version %d", version)
	}

	vmFd, err := ioctl(m.kvmFd, kvmCreateVM, 0)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("KVM_CREATE_VM: %w", err)
	}
	m.vmFd = int(vmFd)

	// Guest physical memory: one anonymous 1 MiB mapping at address 0.
	buf, err := unix.Mmap(-1, 0, hvdos.MemorySize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("guest memory: %w", err)
	}
	m.mem = hvdos.Memory(buf)

	region := kvmUserspaceMemoryRegion{
		slot:          0,
		guestPhysAddr: 0,
		memorySize:    hvdos.MemorySize,
		userspaceAddr: uint64(uintptr(unsafe.Pointer(&buf[0]))),
	}
	if _, err := ioctl(m.vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		m.close()
		return nil, fmt.Errorf("KVM_SET_USER_MEMORY_REGION: %w", err)
	}

	vcpuFd, err := ioctl(m.vmFd, kvmCreateVCPU, 0)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("KVM_CREATE_VCPU: %w", err)
	}
	m.vcpuFd = int(vcpuFd)

	mmapSize, err := ioctl(m.kvmFd, kvmGetVCPUMMapSize, 0)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	m.runBuf, err = unix.Mmap(m.vcpuFd, 0, int(mmapSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		m.close()
		return nil, fmt.Errorf("kvm_run mmap: %w", err)
	}

	if err := m.setupRealMode(); err != nil {
		m.close()
		return nil, err
	}
	m.installTraps()

	return m, nil
}

func (m *machine) close() {
	if m.runBuf != nil {
		unix.Munmap(m.runBuf)
	}
	if m.mem != nil {
		unix.Munmap(m.mem)
	}
	if m.vcpuFd >= 0 {
		unix.Close(m.vcpuFd)
	}
	if m.vmFd >= 0 {
		unix.Close(m.vmFd)
	}
	if m.kvmFd >= 0 {
		unix.Close(m.kvmFd)
	}
}

func (m *machine) getRegs() kvmRegs {
	var regs kvmRegs
	if _, err := ioctl(m.vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		panic(fmt.Sprintf("KVM_GET_REGS: %v", err))
	}
	return regs
}

func (m *machine) setRegs(regs *kvmRegs) {
	if _, err := ioctl(m.vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(regs))); err != nil {
		panic(fmt.Sprintf("KVM_SET_REGS: %v", err))
	}
}

func (m *machine) getSregs() kvmSregs {
	var sregs kvmSregs
	if _, err := ioctl(m.vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		panic(fmt.Sprintf("KVM_GET_SREGS: %v", err))
	}
	return sregs
}

func (m *machine) setSregs(sregs *kvmSregs) {
	if _, err := ioctl(m.vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(sregs))); err != nil {
		panic(fmt.Sprintf("KVM_SET_SREGS: %v", err))
	}
}

// setupRealMode drops the vCPU into real mode with every segment register
// pointing at the program's segment, the degenerate CS=DS=ES=SS layout a
// .COM program assumes.
func (m *machine) setupRealMode() error {
	sregs := m.getSregs()

	code := kvmSegment{
		base: comSeg << 4, limit: 0xFFFF, selector: comSeg,
		typ: 0x0B, present: 1, s: 1,
	}
	data := code
	data.typ = 0x03

	sregs.cs = code
	sregs.ds = data
	sregs.es = data
	sregs.fs = data
	sregs.gs = data
	sregs.ss = data
	sregs.cr0 &^= 1 // clear PE

	m.setSregs(&sregs)
	return nil
}

// installTraps points all 256 IVT entries at per-vector HLT stubs in the
// trap segment.
func (m *machine) installTraps() {
	stubBase := hvdos.Linear(trapSeg, 0)
	for v := uint32(0); v < 256; v++ {
		m.mem.Write8(4*v, byte(v))   // offset low
		m.mem.Write8(4*v+1, 0)       // offset high
		m.mem.Write8(4*v+2, 0)       // segment low
		m.mem.Write8(4*v+3, trapSeg>>8)
		m.mem.Write8(stubBase+v, 0xF4) // HLT
	}
}

// initRegs seeds the entry state for a freshly loaded .COM image.
func (m *machine) initRegs() {
	regs := m.getRegs()
	regs.rip = hvdos.ComLoadAddr
	regs.rflags = 0x2
	regs.rsp = 0
	m.setRegs(&regs)
}

// runVCPU enters the guest and blocks until the next VM exit.
func (m *machine) runVCPU() error {
	for {
		_, err := ioctl(m.vcpuFd, kvmRunIoctl, 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return err
	}
}

func (m *machine) exitReason() uint32 {
	return binary.LittleEndian.Uint32(m.runBuf[kvmRunExitReasonOff:])
}

// trappedVector reports which interrupt stub the guest halted in, if the
// HLT exit came from the trap segment at all.
func (m *machine) trappedVector() (byte, bool) {
	if uint16(m.ReadReg(hvdos.RegCS)) != trapSeg {
		return 0, false
	}
	rip := m.ReadReg(hvdos.RegRIP)
	if rip == 0 || rip > 256 {
		return 0, false
	}
	// RIP sits one past the HLT, and each stub is one byte at offset v.
	return byte(rip - 1), true
}

// returnFromInterrupt pops the frame INT pushed and resumes the guest at
// the instruction after the INT. The saved flags image is restored except
// for the carry bit, which keeps the value the service handler produced.
func (m *machine) returnFromInterrupt() {
	sp := uint16(m.ReadReg(hvdos.RegRSP))
	ss := uint16(m.ReadReg(hvdos.RegSS))

	frame := m.mem.ReadFixed(hvdos.Linear(ss, sp), 6)
	ip := binary.LittleEndian.Uint16(frame[0:])
	cs := binary.LittleEndian.Uint16(frame[2:])
	flags := binary.LittleEndian.Uint16(frame[4:])

	newFlags := uint64(flags)&^1 | m.ReadReg(hvdos.RegRFLAGS)&1 | 0x2

	m.WriteReg(hvdos.RegRSP, uint64(sp+6))
	m.WriteReg(hvdos.RegRIP, uint64(ip))
	m.WriteReg(hvdos.RegCS, uint64(cs))
	m.WriteReg(hvdos.RegRFLAGS, newFlags)
}

// ReadReg and WriteReg satisfy the kernel's VCpu contract.

func (m *machine) ReadReg(reg hvdos.Reg) uint64 {
	switch reg {
	case hvdos.RegRAX, hvdos.RegRBX, hvdos.RegRCX, hvdos.RegRDX,
		hvdos.RegRSP, hvdos.RegRIP, hvdos.RegRFLAGS:
		regs := m.getRegs()
		switch reg {
		case hvdos.RegRAX:
			return regs.rax
		case hvdos.RegRBX:
			return regs.rbx
		case hvdos.RegRCX:
			return regs.rcx
		case hvdos.RegRDX:
			return regs.rdx
		case hvdos.RegRSP:
			return regs.rsp
		case hvdos.RegRIP:
			return regs.rip
		default:
			return regs.rflags
		}
	}

	sregs := m.getSregs()
	switch reg {
	case hvdos.RegDS:
		return uint64(sregs.ds.selector)
	case hvdos.RegES:
		return uint64(sregs.es.selector)
	case hvdos.RegSS:
		return uint64(sregs.ss.selector)
	case hvdos.RegCS:
		return uint64(sregs.cs.selector)
	case hvdos.RegFS:
		return uint64(sregs.fs.selector)
	case hvdos.RegGS:
		return uint64(sregs.gs.selector)
	}
	panic(fmt.Sprintf("read of unknown register %d", reg))
}

func (m *machine) WriteReg(reg hvdos.Reg, v uint64) {
	switch reg {
	case hvdos.RegRAX, hvdos.RegRBX, hvdos.RegRCX, hvdos.RegRDX,
		hvdos.RegRSP, hvdos.RegRIP, hvdos.RegRFLAGS:
		regs := m.getRegs()
		switch reg {
		case hvdos.RegRAX:
			regs.rax = v
		case hvdos.RegRBX:
			regs.rbx = v
		case hvdos.RegRCX:
			regs.rcx = v
		case hvdos.RegRDX:
			regs.rdx = v
		case hvdos.RegRSP:
			regs.rsp = v
		case hvdos.RegRIP:
			regs.rip = v
		default:
			regs.rflags = v
		}
		m.setRegs(&regs)
		return
	}

	// Real mode: a selector write moves the segment base with it.
	sregs := m.getSregs()
	seg := kvmSegment{
		base:     v << 4,
		limit:    0xFFFF,
		selector: uint16(v),
		typ:      0x03,
		present:  1,
		s:        1,
	}
	switch reg {
	case hvdos.RegDS:
		sregs.ds = seg
	case hvdos.RegES:
		sregs.es = seg
	case hvdos.RegSS:
		sregs.ss = seg
	case hvdos.RegCS:
		seg.typ = 0x0B
		sregs.cs = seg
	case hvdos.RegFS:
		sregs.fs = seg
	case hvdos.RegGS:
		sregs.gs = seg
	default:
		panic(fmt.Sprintf("write of unknown register %d", reg))
	}
	m.setSregs(&sregs)
}
