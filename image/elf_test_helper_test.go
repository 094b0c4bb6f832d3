package image

import "encoding/binary"

// progSpec describes one PT_LOAD program header for buildMinimalELF.
type progSpec struct {
	addr  uint32
	data  []byte
	flags uint32
}

// buildMinimalELF hand-assembles a minimal little-endian ELF32 image
// (header + program headers + segment data, no sections) sufficient
// for debug/elf.NewFile and classifySegments to parse: the image
// builder's ELF input contract (spec.md §6.2) needs nothing more than
// an entry point and LOAD segments with nonzero file size.
func buildMinimalELF(entry uint32, progs []progSpec) []byte {
	const (
		ehdrLen = 52
		phdrLen = 32
	)
	phOff := uint32(ehdrLen)
	dataOff := phOff + uint32(len(progs))*phdrLen

	buf := make([]byte, dataOff)

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:18], 2)   // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 94)  // e_machine = EM_XTENSA
	binary.LittleEndian.PutUint32(buf[20:24], 1)   // e_version
	binary.LittleEndian.PutUint32(buf[24:28], entry)
	binary.LittleEndian.PutUint32(buf[28:32], phOff)
	binary.LittleEndian.PutUint32(buf[32:36], 0) // e_shoff
	binary.LittleEndian.PutUint16(buf[40:42], ehdrLen)
	binary.LittleEndian.PutUint16(buf[42:44], phdrLen)
	binary.LittleEndian.PutUint16(buf[44:46], uint16(len(progs)))
	binary.LittleEndian.PutUint16(buf[46:48], 40) // e_shentsize
	binary.LittleEndian.PutUint16(buf[48:50], 0)  // e_shnum
	binary.LittleEndian.PutUint16(buf[50:52], 0)  // e_shstrndx

	off := dataOff
	for i, p := range progs {
		ph := buf[phOff+uint32(i)*phdrLen : phOff+uint32(i+1)*phdrLen]
		binary.LittleEndian.PutUint32(ph[0:4], 1) // p_type = PT_LOAD
		binary.LittleEndian.PutUint32(ph[4:8], off)
		binary.LittleEndian.PutUint32(ph[8:12], p.addr)
		binary.LittleEndian.PutUint32(ph[12:16], p.addr)
		binary.LittleEndian.PutUint32(ph[16:20], uint32(len(p.data)))
		binary.LittleEndian.PutUint32(ph[20:24], uint32(len(p.data)))
		binary.LittleEndian.PutUint32(ph[24:28], p.flags)
		binary.LittleEndian.PutUint32(ph[28:32], 4)

		buf = append(buf, p.data...)
		off += uint32(len(p.data))
	}
	return buf
}
