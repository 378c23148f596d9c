package hvdos

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"testing"
)

func assert(t *testing.T, cond bool, format string, args ...any) {
	t.Helper()
	if !cond {
		t.Fatalf(fmt.Sprintf("%v %s", cond, format), args...)
	}
}

// testCPU is a register file backed by a plain map, standing in for the
// hardware-virtualized vCPU.
type testCPU struct {
	regs map[Reg]uint64
}

func newTestCPU() *testCPU {
	return &testCPU{regs: make(map[Reg]uint64)}
}

func (c *testCPU) ReadReg(reg Reg) uint64     { return c.regs[reg] }
func (c *testCPU) WriteReg(reg Reg, v uint64) { c.regs[reg] = v }

// newTestKernel builds a kernel over fresh memory and a mock vCPU, with
// console IO rebound to in-memory buffers.
func newTestKernel(argv ...string) (*Kernel, *testCPU, *bytes.Buffer) {
	mem := NewMemory()
	cpu := newTestCPU()
	k := NewKernel(mem, cpu, argv)

	out := &bytes.Buffer{}
	k.stdout = bufio.NewWriter(out)
	k.stdin = bufio.NewReader(strings.NewReader(""))
	k.stdinTTY = false

	return k, cpu, out
}

func (k *Kernel) feedInput(s string) {
	k.stdin = bufio.NewReader(strings.NewReader(s))
}

// callInt21 sets AH and invokes the dispatcher for INT 21h; AL and the other
// registers keep whatever the caller put there.
func callInt21(k *Kernel, ah byte) Status {
	k.setAH(ah)
	return k.Dispatch(0x21)
}

func TestDispatchVectors(t *testing.T) {
	k, _, _ := newTestKernel()

	assert(t, k.Dispatch(0x20) == StatusStop, "INT 20 should stop the VM")
	assert(t, k.ExitStatus() == 0, "INT 20 should exit with status 0")

	assert(t, k.Dispatch(0x10) == StatusUnhandled, "video services are not dispatched")
	assert(t, k.Dispatch(0x16) == StatusUnhandled, "keyboard services are not dispatched")
}

func TestUnknownSubfunction(t *testing.T) {
	k, _, _ := newTestKernel()
	assert(t, callInt21(k, 0x99) == StatusUnsupported, "AH=99 is not a known service")
}

func TestExitStatus(t *testing.T) {
	k, _, _ := newTestKernel()

	k.setAL(0x2A)
	assert(t, callInt21(k, 0x4C) == StatusStop, "AH=4C should stop the VM")
	assert(t, k.ExitStatus() == 0x2A, "exit status should latch AL, got %d", k.ExitStatus())
}

func TestWriteChar(t *testing.T) {
	k, _, out := newTestKernel()

	k.setDL('X')
	assert(t, callInt21(k, 0x02) == StatusHandled, "write char should be handled")
	assert(t, out.String() == "X", "stdout should receive DL, got %q", out.String())
	assert(t, k.al() == 'X', "AL should echo DL, got %02x", k.al())
}

func TestWriteString(t *testing.T) {
	k, _, out := newTestKernel()

	k.mem.WriteBlock(0x200, []byte("Hello$world"))
	k.setDX(0x200)
	flagsBefore := k.flags()

	assert(t, callInt21(k, 0x09) == StatusHandled, "write string should be handled")
	assert(t, out.String() == "Hello", "stdout should stop at the $, got %q", out.String())
	assert(t, k.al() == '$', "AL should be the terminator, got %02x", k.al())
	assert(t, k.flags() == flagsBefore, "flags should be untouched")
}

func TestCharInputNoEcho(t *testing.T) {
	k, _, out := newTestKernel()
	k.feedInput("q")

	assert(t, callInt21(k, 0x08) == StatusHandled, "char input should be handled")
	assert(t, k.al() == 'q', "AL should hold the byte read, got %02x", k.al())
	assert(t, out.Len() == 0, "nothing may be echoed")
}

func TestCharInputEOF(t *testing.T) {
	k, _, _ := newTestKernel()

	assert(t, callInt21(k, 0x08) == StatusHandled, "EOF input should still be handled")
	assert(t, k.al() == eofChar, "AL should be the DOS EOF char, got %02x", k.al())
}

func TestBufferedInput(t *testing.T) {
	k, _, _ := newTestKernel()
	k.feedInput("hello world\n")

	const buf = 0x300
	k.mem.Write8(buf, 8) // capacity
	k.setDX(buf)

	assert(t, callInt21(k, 0x0A) == StatusHandled, "buffered input should be handled")
	assert(t, k.mem.Read8(buf+1) == 7, "count should be capacity-1, got %d", k.mem.Read8(buf+1))
	assert(t, string(k.mem.ReadFixed(buf+2, 7)) == "hello w", "data should be truncated to capacity")
	assert(t, k.mem.Read8(buf+9) == 0x0D, "data must end with CR")
}

func TestBufferedInputShortLine(t *testing.T) {
	k, _, _ := newTestKernel()
	k.feedInput("hi\n")

	const buf = 0x300
	k.mem.Write8(buf, 80)
	k.setDX(buf)

	callInt21(k, 0x0A)
	assert(t, k.mem.Read8(buf+1) == 2, "count should be bytes before CR, got %d", k.mem.Read8(buf+1))
	assert(t, string(k.mem.ReadFixed(buf+2, 2)) == "hi", "data should hold the line")
	assert(t, k.mem.Read8(buf+4) == 0x0D, "data must end with CR")
}

func TestFlushAndInvoke(t *testing.T) {
	k, _, _ := newTestKernel()
	k.feedInput("z")

	// AL=08 asks for character input without echo.
	k.setAL(0x08)
	assert(t, callInt21(k, 0x0C) == StatusHandled, "flush-and-invoke should be handled")
	assert(t, k.al() == 'z', "AL should hold the byte from the inner service, got %02x", k.al())
	assert(t, k.ah() == 0x0C, "AH must be restored after the inner dispatch, got %02x", k.ah())

	// Any other AL only flushes.
	k.setAL(0x42)
	assert(t, callInt21(k, 0x0C) == StatusHandled, "flush-only should be handled")
	assert(t, k.al() == 0x42, "AL should be untouched when no input fn is named")
}

func TestDriveSelection(t *testing.T) {
	k, _, _ := newTestKernel()

	k.setDL(2)
	callInt21(k, 0x0E)
	assert(t, k.al() == 'C', "selecting drive 2 should answer C, got %c", k.al())

	callInt21(k, 0x19)
	assert(t, k.al() == 0, "default drive is always A")
}

func TestDOSVersion(t *testing.T) {
	k, _, _ := newTestKernel()

	callInt21(k, 0x30)
	assert(t, k.al() == 7, "major version should be 7")
	assert(t, k.ah() == 0, "minor version should be 0")
}

func TestBreakChecking(t *testing.T) {
	k, _, _ := newTestKernel()

	k.setAL(0x00)
	callInt21(k, 0x33)
	assert(t, k.dl() == 0, "break checking starts off")

	k.setAL(0x01)
	k.setDL(1)
	callInt21(k, 0x33)

	k.setAL(0x00)
	k.setDL(0xFF)
	callInt21(k, 0x33)
	assert(t, k.dl() == 1, "break checking should report the last value set")
}

func TestInterruptVectorStubs(t *testing.T) {
	k, cpu, _ := newTestKernel()

	// Setting a vector is acknowledged and ignored.
	k.setAL(0x1C)
	k.setDX(0x1234)
	assert(t, callInt21(k, 0x25) == StatusHandled, "set vector should be handled")

	// Getting any vector reports 0000:0000.
	cpu.regs[RegES] = 0xBEEF
	cpu.regs[RegRBX] = 0xBEEF
	k.setAL(0x1C)
	callInt21(k, 0x35)
	assert(t, k.reg16(RegES) == 0, "ES should be cleared")
	assert(t, k.bx() == 0, "BX should be cleared")
}

func TestFileDateTime(t *testing.T) {
	k, _, _ := newTestKernel()

	k.setCarry(true)
	assert(t, callInt21(k, 0x57) == StatusHandled, "date-time should be handled")
	assert(t, k.flags()&1 == 0, "date-time must report success")
}

func TestSetDTA(t *testing.T) {
	k, _, _ := newTestKernel()

	k.setDX(0x500)
	assert(t, callInt21(k, 0x1A) == StatusHandled, "set DTA should be handled")
	assert(t, k.dta == 0x500, "DTA should hold DX, got %04x", k.dta)
}

func TestRegisterHalves(t *testing.T) {
	k, cpu, _ := newTestKernel()

	cpu.regs[RegRAX] = 0x1234
	k.setAL(0xCD)
	assert(t, k.ax() == 0x12CD, "low write must preserve the high half, got %04x", k.ax())

	k.setAH(0xAB)
	assert(t, k.ax() == 0xABCD, "high write must preserve the low half, got %04x", k.ax())
}

func TestCarryFlag(t *testing.T) {
	k, cpu, _ := newTestKernel()

	cpu.regs[RegRFLAGS] = 0x246
	k.setCarry(true)
	assert(t, cpu.regs[RegRFLAGS] == 0x247, "set carry must only touch bit 0, got %x", cpu.regs[RegRFLAGS])

	k.setCarry(false)
	assert(t, cpu.regs[RegRFLAGS] == 0x246, "clear carry must only touch bit 0, got %x", cpu.regs[RegRFLAGS])
}
