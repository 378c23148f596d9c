package hvdos

import (
	"os"

	"golang.org/x/term"
)

// The DOS end-of-file character, returned when host stdin runs dry.
const eofChar = 0x1A

// getChar blocks for a single byte of console input. On a real terminal the
// read happens in raw mode so the OS neither echoes nor line-buffers; the
// previous terminal state is restored before returning. Echo, when
// requested, is produced here rather than by the OS.
func (k *Kernel) getChar(echo bool) byte {
	if k.stdinTTY && k.stdin.Buffered() == 0 {
		fd := int(os.Stdin.Fd())
		if old, err := term.MakeRaw(fd); err == nil {
			defer term.Restore(fd, old)
		}
	}

	b, err := k.stdin.ReadByte()
	if err != nil {
		return eofChar
	}

	if echo {
		k.stdout.WriteByte(b)
		k.stdout.Flush()
	}
	return b
}

// DOS 1+ - WRITE CHARACTER TO STANDARD OUTPUT
func (k *Kernel) writeChar() Status {
	k.stdout.WriteByte(k.dl())
	k.stdout.Flush()
	k.setAL(k.dl())
	return StatusHandled
}

// DOS 1+ - CHARACTER INPUT WITHOUT ECHO
func (k *Kernel) charInputNoEcho() Status {
	k.setAL(k.getChar(false))
	return StatusHandled
}

// DOS 1+ - WRITE STRING TO STANDARD OUTPUT
// The string at DS:DX ends at a '$' byte, which is not written.
func (k *Kernel) writeString() Status {
	s := k.mem.ReadCString(Linear(k.ds(), k.dx()), '$')
	k.stdout.Write(s)
	k.stdout.Flush()
	k.setAL('$')
	return StatusHandled
}

// DOS 1+ - BUFFERED INPUT
// DS:DX points at a DOS input buffer: byte 0 holds the capacity, byte 1
// receives the count of bytes read, the data starts at byte 2 and is
// terminated with a CR. The CR takes one of the capacity's bytes, so at most
// capacity-1 data bytes are stored.
func (k *Kernel) bufferedInput() Status {
	buf := Linear(k.ds(), k.dx())
	capacity := int(k.mem.Read8(buf))
	if capacity == 0 {
		return StatusHandled
	}

	n := 0
	for n < capacity-1 {
		b := k.getChar(true)
		if b == '\r' || b == '\n' || b == eofChar {
			break
		}
		k.mem.Write8(buf+2+uint32(n), b)
		n++
	}

	k.mem.Write8(buf+1, byte(n))
	k.mem.Write8(buf+2+uint32(n), 0x0D)
	return StatusHandled
}

// DOS 1+ - FLUSH BUFFER AND READ STANDARD INPUT
// Flushes pending output, then runs the input function named by AL if it is
// one of the five console-input services. None of those re-enter this
// service, so the recursion is bounded at one level.
func (k *Kernel) flushAndInvoke() Status {
	k.stdout.Flush()

	switch k.al() {
	case 0x01, 0x06, 0x07, 0x08, 0x0A:
		k.setAH(k.al())
		k.int21()
		k.setAH(0x0C)
	}

	return StatusHandled
}
