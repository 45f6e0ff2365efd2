package nvjitlink

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

// Container magics, as they appear at the start of a payload.
var (
	elfMagic     = []byte(elf.ELFMAG)
	archiveMagic = []byte("!<arch>\n")
)

const (
	fatbinMagic = 0xBA55ED50
	ltoirMagic  = 0x7F4E43ED
)

// IsELF reports whether data starts with the ELF magic. A successful
// link always yields an ELF container, even when nothing was added.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, elfMagic)
}

// SniffKind guesses the shape of a payload from its leading bytes.
// It is a display aid for tooling only: the linker never infers an
// artifact's kind from its content.
func SniffKind(data []byte) LinkableKind {
	switch {
	case IsELF(data):
		if f, err := elf.NewFile(bytes.NewReader(data)); err == nil && f.Machine == elf.EM_CUDA {
			return LinkableCubin
		}
		return LinkableObject
	case bytes.HasPrefix(data, archiveMagic):
		return LinkableArchive
	case len(data) >= 4 && binary.LittleEndian.Uint32(data) == fatbinMagic:
		return LinkableFatbin
	case len(data) >= 4 && binary.LittleEndian.Uint32(data) == ltoirMagic:
		return LinkableLTOIR
	case looksLikePTX(data):
		return LinkablePTXSource
	default:
		return LinkableUnknown
	}
}

func looksLikePTX(data []byte) bool {
	head := data
	if len(head) > 4096 {
		head = head[:4096]
	}
	return bytes.Contains(head, []byte(".version")) && bytes.Contains(head, []byte(".target"))
}
