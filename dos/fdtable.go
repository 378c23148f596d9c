package hvdos

/*
	DOS handle table:
			- handles 0..255, allocated lowest-free-first
			- 0, 1, 2 are permanently wired to the host's standard streams
			  and survive every close
			- each live handle maps to exactly one host file descriptor
*/

const maxHandles = 256

type fdTable struct {
	hosts [maxHandles]int
	used  [maxHandles]bool
}

func newFDTable(stdin, stdout, stderr int) *fdTable {
	t := &fdTable{}
	t.hosts[0], t.used[0] = stdin, true
	t.hosts[1], t.used[1] = stdout, true
	t.hosts[2], t.used[2] = stderr, true
	return t
}

// alloc claims the lowest free DOS handle for hostFD. Returns -1 when all
// 256 slots are in use.
func (t *fdTable) alloc(hostFD int) int {
	for fd := 0; fd < maxHandles; fd++ {
		if !t.used[fd] {
			t.used[fd] = true
			t.hosts[fd] = hostFD
			return fd
		}
	}
	return -1
}

// dealloc releases a handle. The standard handles are never released.
func (t *fdTable) dealloc(fd int) {
	if fd < 3 || fd >= maxHandles {
		return
	}
	t.used[fd] = false
	t.hosts[fd] = 0
}

// lookup resolves a DOS handle to its host descriptor, or -1 if the handle
// is out of range or not open.
func (t *fdTable) lookup(fd int) int {
	if fd < 0 || fd >= maxHandles || !t.used[fd] {
		return -1
	}
	return t.hosts[fd]
}
