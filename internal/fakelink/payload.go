package fakelink

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Module describes the content of a synthetic artifact.
type Module struct {
	// Arch is the sm number the code was built for, e.g. 75.
	Arch      int
	Defines   []string
	Undefined []string
	// LTO marks an object as carrying LTO-IR rather than SASS.
	LTO bool
}

const (
	fatbinMagic = 0xBA55ED50
	ltoirMagic  = 0x7F4E43ED
)

type container int

const (
	containerUnknown container = iota
	containerELF
	containerFatbin
	containerLTOIR
	containerArchive
	containerPTX
)

func (c container) String() string {
	switch c {
	case containerELF:
		return "elf"
	case containerFatbin:
		return "fatbin"
	case containerLTOIR:
		return "ltoir"
	case containerArchive:
		return "archive"
	case containerPTX:
		return "ptx"
	default:
		return "unknown"
	}
}

// parsed is the decoded form of a synthetic artifact.
type parsed struct {
	container container
	archs     []int
	defines   []string
	undefined []string
	lto       bool
}

func encodeBody(archs []int, m Module) []byte {
	var b bytes.Buffer
	as := make([]string, len(archs))
	for i, a := range archs {
		as[i] = strconv.Itoa(a)
	}
	fmt.Fprintf(&b, "arch=%s\n", strings.Join(as, ","))
	if m.LTO {
		b.WriteString("lto=1\n")
	}
	for _, d := range m.Defines {
		fmt.Fprintf(&b, "define=%s\n", d)
	}
	for _, u := range m.Undefined {
		fmt.Fprintf(&b, "undef=%s\n", u)
	}
	return b.Bytes()
}

func magic32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// Cubin returns a synthetic cubin.
func Cubin(m Module) []byte {
	return append([]byte("\x7fELF\n"), encodeBody([]int{m.Arch}, m)...)
}

// Object returns a synthetic relocatable object. With m.LTO set the
// object carries LTO-IR and can only be linked with -lto.
func Object(m Module) []byte {
	return Cubin(m)
}

// Fatbin returns a synthetic fatbin holding code for every arch in
// archs.
func Fatbin(archs []int, m Module) []byte {
	out := append(magic32(fatbinMagic), '\n')
	return append(out, encodeBody(archs, m)...)
}

// LTOIR returns a synthetic LTO-IR container.
func LTOIR(m Module) []byte {
	m.LTO = true
	out := append(magic32(ltoirMagic), '\n')
	return append(out, encodeBody([]int{m.Arch}, m)...)
}

// Archive returns a synthetic static library.
func Archive(m Module) []byte {
	return append([]byte("!<arch>\n"), encodeBody([]int{m.Arch}, m)...)
}

// PTX returns synthetic PTX text targeting m.Arch.
func PTX(m Module) []byte {
	var b bytes.Buffer
	b.WriteString("//\n// Generated by fakelink\n//\n\n")
	b.WriteString(".version 8.0\n")
	fmt.Fprintf(&b, ".target sm_%d\n", m.Arch)
	b.WriteString(".address_size 64\n\n")
	for _, d := range m.Defines {
		fmt.Fprintf(&b, "// define=%s\n", d)
	}
	for _, u := range m.Undefined {
		fmt.Fprintf(&b, "// undef=%s\n", u)
	}
	return b.Bytes()
}

func parse(data []byte) (parsed, error) {
	var p parsed
	var body []byte

	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF\n")):
		p.container = containerELF
		body = data[5:]
	case bytes.HasPrefix(data, []byte("!<arch>\n")):
		p.container = containerArchive
		body = data[8:]
	case len(data) >= 5 && binary.LittleEndian.Uint32(data) == fatbinMagic:
		p.container = containerFatbin
		body = data[5:]
	case len(data) >= 5 && binary.LittleEndian.Uint32(data) == ltoirMagic:
		p.container = containerLTOIR
		body = data[5:]
	case bytes.Contains(data, []byte(".version")):
		return parsePTX(data)
	default:
		return p, fmt.Errorf("unrecognised payload")
	}

	for _, line := range strings.Split(string(body), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "arch":
			for _, a := range strings.Split(value, ",") {
				n, err := strconv.Atoi(a)
				if err != nil {
					return p, fmt.Errorf("bad arch %q", a)
				}
				p.archs = append(p.archs, n)
			}
		case "lto":
			p.lto = value == "1"
		case "define":
			p.defines = append(p.defines, value)
		case "undef":
			p.undefined = append(p.undefined, value)
		}
	}
	if p.container == containerLTOIR {
		p.lto = true
	}
	return p, nil
}

func parsePTX(data []byte) (parsed, error) {
	p := parsed{container: containerPTX}
	for _, line := range strings.Split(string(bytes.TrimRight(data, "\x00")), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, ".target sm_"):
			n, err := strconv.Atoi(strings.TrimPrefix(line, ".target sm_"))
			if err != nil {
				return p, fmt.Errorf("bad target %q", line)
			}
			p.archs = append(p.archs, n)
		case strings.HasPrefix(line, "// define="):
			p.defines = append(p.defines, strings.TrimPrefix(line, "// define="))
		case strings.HasPrefix(line, "// undef="):
			p.undefined = append(p.undefined, strings.TrimPrefix(line, "// undef="))
		}
	}
	if len(p.archs) == 0 {
		return p, fmt.Errorf("ptx has no .target")
	}
	return p, nil
}
