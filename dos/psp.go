package hvdos

/*
	Program Segment Prefix, 256 bytes at the start of the program's segment:

		0x00  CD 20             INT 20h exit stub (a CP/M-style "ret 0")
		0x02  word              first free segment (left zero)
		0x50  CD 21 CB          INT 21h + RETF far-call stub
		0x5C  16 bytes          default FCB #1, seeded as an empty file name
		0x6C  20 bytes          default FCB #2, zero
		0x80  byte              command tail length
		0x81  up to 126 bytes   command tail, CR terminated

	Everything else stays zero. The command tail is rebuilt from the host
	argv: argv[0] is the emulator, argv[1] the program image, so arguments
	from argv[2] on are copied in, each preceded by a single space.
*/

const (
	pspSize = 256

	pspOffExit       = 0x00
	pspOffFarCall    = 0x50
	pspOffFCB1       = 0x5C
	pspOffTailLength = 0x80
	pspOffTail       = 0x81

	// The tail cursor never moves past this, leaving room for the CR.
	pspTailLimit = 0x7E
)

// makePSP writes a fresh 256-byte PSP at seg:0. Bytes not covered by a
// field below are cleared, so rebuilding a PSP over a dirty segment is safe.
func (k *Kernel) makePSP(seg uint16, argv []string) {
	base := Linear(seg, 0)

	for i := uint32(0); i < pspSize; i++ {
		k.mem.Write8(base+i, 0)
	}

	// INT 20h
	k.mem.Write8(base+pspOffExit, 0xCD)
	k.mem.Write8(base+pspOffExit+1, 0x20)

	// INT 21h; RETF
	k.mem.Write8(base+pspOffFarCall, 0xCD)
	k.mem.Write8(base+pspOffFarCall+1, 0x21)
	k.mem.Write8(base+pspOffFarCall+2, 0xCB)

	// Default FCB #1 holds an empty, space-padded file name marker.
	k.mem.Write8(base+pspOffFCB1, 0x01)
	k.mem.Write8(base+pspOffFCB1+1, 0x20)

	c := uint32(0)
	for i := 2; i < len(argv) && c < pspTailLimit; i++ {
		k.mem.Write8(base+pspOffTail+c, ' ')
		c++
		for j := 0; j < len(argv[i]) && c < pspTailLimit; j++ {
			k.mem.Write8(base+pspOffTail+c, argv[i][j])
			c++
		}
	}
	k.mem.Write8(base+pspOffTailLength, byte(c))
	k.mem.Write8(base+pspOffTail+c, 0x0D)
}
