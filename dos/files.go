package hvdos

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

/*
	File services. DOS handles resolve through the handle table to raw host
	file descriptors, and every operation goes straight to the host syscall
	layer so the errno can be mapped onto the DOS error code the guest
	branches on.

	Paths arrive as C strings in guest memory with DOS separators; every
	backslash is rewritten to a slash before the path touches the host.
*/

// DOS error codes returned in AX with the carry flag set.
const (
	dosErrInvalidFunction  = 0x01
	dosErrFileNotFound     = 0x02
	dosErrPathNotFound     = 0x03
	dosErrTooManyOpenFiles = 0x04
	dosErrAccessDenied     = 0x05
	dosErrInvalidHandle    = 0x06
	dosErrOutOfMemory      = 0x08
	dosErrNoMoreFiles      = 0x12
	dosErrGeneralFailure   = 0x1F
)

// File attribute bits as reported by AH=43 and FindFirst.
const (
	attrReadOnly    = 1 << 0
	attrHidden      = 1 << 1
	attrSystem      = 1 << 2
	attrVolumeLabel = 1 << 3
	attrDirectory   = 1 << 4
	attrArchive     = 1 << 5
)

// dosError maps a host errno onto the DOS error code the guest expects.
func dosError(err error) uint16 {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return dosErrGeneralFailure
	}

	switch errno {
	case unix.ENOENT:
		return dosErrFileNotFound
	case unix.ENOTDIR:
		return dosErrPathNotFound
	case unix.EACCES, unix.EPERM, unix.EISDIR, unix.EROFS:
		return dosErrAccessDenied
	case unix.EBADF:
		return dosErrInvalidHandle
	case unix.ENFILE, unix.EMFILE:
		return dosErrTooManyOpenFiles
	case unix.ENOMEM:
		return dosErrOutOfMemory
	case unix.EINVAL:
		return dosErrInvalidFunction
	}
	return dosErrGeneralFailure
}

// fail reports a DOS error to the guest: carry set, code in AX.
func (k *Kernel) fail(code uint16) Status {
	k.setCarry(true)
	k.setAX(code)
	return StatusHandled
}

// guestPath reads the C string at DS:DX and rewrites DOS path separators.
func (k *Kernel) guestPath() string {
	raw := k.mem.ReadCString(Linear(k.ds(), k.dx()), 0)
	return strings.ReplaceAll(string(raw), "\\", "/")
}

// modeToAttribute derives the DOS attribute byte from a host stat mode:
// the directory bit from the file type, read-only when the owner read bit
// is withheld. The remaining bits are never reported.
func modeToAttribute(mode uint32) byte {
	var attr byte
	if mode&unix.S_IFMT == unix.S_IFDIR {
		attr |= attrDirectory
	}
	if mode&unix.S_IRUSR == 0 {
		attr |= attrReadOnly
	}
	return attr
}

// registerHandle folds a fresh host descriptor into the handle table and
// reports the result to the guest, closing the descriptor again if the
// table is full.
func (k *Kernel) registerHandle(hostFD int) Status {
	fd := k.fds.alloc(hostFD)
	if fd < 0 {
		unix.Close(hostFD)
		return k.fail(dosErrTooManyOpenFiles)
	}
	k.setCarry(false)
	k.setAX(uint16(fd))
	return StatusHandled
}

// DOS 2+ - CREAT - CREATE OR TRUNCATE FILE
// The attribute bits in CX are accepted but not mapped onto host
// permissions.
func (k *Kernel) createFile() Status {
	path := k.guestPath()
	if k.trace {
		fmt.Fprintf(os.Stderr, "creat: %s\n", path)
	}

	hostFD, err := unix.Open(path, unix.O_CREAT|unix.O_TRUNC|unix.O_RDWR, 0o777)
	if err != nil {
		return k.fail(dosError(err))
	}
	return k.registerHandle(hostFD)
}

// DOS 2+ - OPEN - OPEN EXISTING FILE
// The low two bits of AL select read, write or read-write access.
func (k *Kernel) openFile() Status {
	path := k.guestPath()
	if k.trace {
		fmt.Fprintf(os.Stderr, "open: %s\n", path)
	}

	var access int
	switch k.al() & 3 {
	case 0:
		access = unix.O_RDONLY
	case 1:
		access = unix.O_WRONLY
	default:
		access = unix.O_RDWR
	}

	hostFD, err := unix.Open(path, access, 0)
	if err != nil {
		return k.fail(dosError(err))
	}
	return k.registerHandle(hostFD)
}

// DOS 2+ - CLOSE - CLOSE FILE
func (k *Kernel) closeFile() Status {
	fd := int(k.bx())
	hostFD := k.fds.lookup(fd)
	if hostFD < 0 {
		return k.fail(dosErrInvalidHandle)
	}

	k.fds.dealloc(fd)
	if err := unix.Close(hostFD); err != nil {
		return k.fail(dosError(err))
	}
	k.setCarry(false)
	return StatusHandled
}

// DOS 2+ - READ - READ FROM FILE OR DEVICE
// CX is 16 bits, so a single transfer never exceeds one segment.
func (k *Kernel) readFile() Status {
	hostFD := k.fds.lookup(int(k.bx()))
	if hostFD < 0 {
		return k.fail(dosErrInvalidHandle)
	}

	buf := make([]byte, int(k.cx()))
	n, err := unix.Read(hostFD, buf)
	if err != nil {
		return k.fail(dosError(err))
	}

	k.mem.WriteBlock(Linear(k.ds(), k.dx()), buf[:n])
	k.setCarry(false)
	k.setAX(uint16(n))
	return StatusHandled
}

// DOS 2+ - WRITE - WRITE TO FILE OR DEVICE
func (k *Kernel) writeFile() Status {
	hostFD := k.fds.lookup(int(k.bx()))
	if hostFD < 0 {
		return k.fail(dosErrInvalidHandle)
	}

	data := k.mem.ReadFixed(Linear(k.ds(), k.dx()), int(k.cx()))
	n, err := unix.Write(hostFD, data)
	if err != nil {
		return k.fail(dosError(err))
	}

	k.setCarry(false)
	k.setAX(uint16(n))
	return StatusHandled
}

// DOS 2+ - UNLINK - DELETE FILE
func (k *Kernel) unlinkFile() Status {
	path := k.guestPath()
	if k.trace {
		fmt.Fprintf(os.Stderr, "del: %s\n", path)
	}

	if err := unix.Unlink(path); err != nil {
		return k.fail(dosError(err))
	}
	k.setCarry(false)
	return StatusHandled
}

// DOS 2+ - LSEEK - SET CURRENT FILE POSITION
// The 32-bit signed offset arrives split across CX:DX; the new position is
// handed back split across DX:AX. Whence values are translated explicitly
// rather than trusting the DOS numbering to match the host's.
func (k *Kernel) seekFile() Status {
	hostFD := k.fds.lookup(int(k.bx()))
	if hostFD < 0 {
		return k.fail(dosErrInvalidHandle)
	}

	var whence int
	switch k.al() {
	case 0:
		whence = unix.SEEK_SET
	case 1:
		whence = unix.SEEK_CUR
	case 2:
		whence = unix.SEEK_END
	default:
		return k.fail(dosErrInvalidFunction)
	}

	offset := int64(int32(uint32(k.cx())<<16 | uint32(k.dx())))
	pos, err := unix.Seek(hostFD, offset, whence)
	if err != nil {
		return k.fail(dosError(err))
	}

	k.setCarry(false)
	k.setDX(uint16(pos >> 16))
	k.setAX(uint16(pos))
	return StatusHandled
}

// DOS 2+ - GET/SET FILE ATTRIBUTES
func (k *Kernel) fileAttributes() Status {
	switch k.al() {
	case 0x00:
		var st unix.Stat_t
		if err := unix.Stat(k.guestPath(), &st); err != nil {
			return k.fail(dosError(err))
		}
		k.setCarry(false)
		k.setCX(uint16(modeToAttribute(uint32(st.Mode))))
		return StatusHandled

	case 0x01:
		// Attribute changes are accepted and discarded; the host file
		// mode stays whatever it is.
		if k.trace {
			fmt.Fprintf(os.Stderr, "set attributes 0x%02X: %s\n", k.cx(), k.guestPath())
		}
		k.setCarry(false)
		return StatusHandled
	}

	fmt.Fprintf(os.Stderr, "Unknown GetSetFileAttributes subfunction: 0x%02X\n", k.al())
	return StatusUnsupported
}

/*
	FindFirst writes a 43-byte result record at DS:DTA:

		 0..20  reserved, zero
		21      attribute byte
		22..23  file time (not emulated, zero)
		24..25  file date (not emulated, zero)
		26..29  file size, 32-bit little endian
		30..42  NUL-padded base name, at most 12 name bytes
*/

const (
	findDataSize    = 43
	findDataAttr    = 21
	findDataSizeOff = 26
	findDataName    = 30
	findDataNameLen = 13
)

// DOS 2+ - FINDFIRST - FIND FIRST MATCHING FILE
// Only exact paths match: wildcard enumeration and volume labels report
// no-more-files without touching the host.
func (k *Kernel) findFirst() Status {
	spec := k.guestPath()

	if k.cx()&attrVolumeLabel != 0 {
		return k.fail(dosErrNoMoreFiles)
	}
	if strings.ContainsAny(spec, "?*") {
		return k.fail(dosErrNoMoreFiles)
	}

	var st unix.Stat_t
	if err := unix.Stat(spec, &st); err != nil {
		return k.fail(dosError(err))
	}

	attr := modeToAttribute(uint32(st.Mode))
	if attr&attrDirectory != 0 && k.cx()&attrDirectory == 0 {
		// Found a directory the caller did not ask for.
		return k.fail(dosErrNoMoreFiles)
	}

	record := make([]byte, findDataSize)
	record[findDataAttr] = attr
	binary.LittleEndian.PutUint32(record[findDataSizeOff:], uint32(st.Size))

	name := spec
	if i := strings.LastIndexByte(spec, '/'); i >= 0 {
		name = spec[i+1:]
	}
	copy(record[findDataName:findDataName+findDataNameLen-1], name)

	k.mem.WriteBlock(Linear(k.ds(), k.dta), record)
	k.setCarry(false)
	return StatusHandled
}

// DOS 2+ - FINDNEXT - FIND NEXT MATCHING FILE
// FindFirst only ever produces a single exact match, so there is never a
// next one.
func (k *Kernel) findNext() Status {
	return k.fail(dosErrNoMoreFiles)
}
