package nvjitlink

import "fmt"

// InputKind tells the link service how to interpret a payload passed to
// AddData. Values match the native nvJitLinkInputType enumeration.
type InputKind uint32

const (
	InputNone InputKind = iota
	InputCubin
	InputPTX
	InputLTOIR
	InputFatbin
	InputObject
	InputLibrary
)

// String returns the string representation of the input kind.
func (k InputKind) String() string {
	switch k {
	case InputNone:
		return "none"
	case InputCubin:
		return "cubin"
	case InputPTX:
		return "ptx"
	case InputLTOIR:
		return "ltoir"
	case InputFatbin:
		return "fatbin"
	case InputObject:
		return "object"
	case InputLibrary:
		return "library"
	default:
		return fmt.Sprintf("InputKind(%d)", uint32(k))
	}
}

// Valid reports whether k is one of the defined input kinds.
func (k InputKind) Valid() bool {
	return k <= InputLibrary
}

// DefaultName returns the placeholder name for an unnamed payload of
// this kind.
func (k InputKind) DefaultName() string {
	if k == InputNone {
		return ""
	}
	for _, lk := range linkableKinds {
		if lk.input == k {
			return lk.defaultName
		}
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler so InputKind
// serialises as its string name in JSON.
func (k InputKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *InputKind) UnmarshalText(text []byte) error {
	parsed, ok := ParseInputKind(string(text))
	if !ok {
		return fmt.Errorf("invalid input kind: %q", string(text))
	}
	*k = parsed
	return nil
}

// ParseInputKind parses a string into an InputKind.
// Returns the kind and true if valid, or InputNone and false if not.
func ParseInputKind(s string) (InputKind, bool) {
	switch s {
	case "none":
		return InputNone, true
	case "cubin":
		return InputCubin, true
	case "ptx":
		return InputPTX, true
	case "ltoir":
		return InputLTOIR, true
	case "fatbin":
		return InputFatbin, true
	case "object":
		return InputObject, true
	case "library":
		return InputLibrary, true
	default:
		return InputNone, false
	}
}

// LinkableKind is the shape of an artifact handed to the linker,
// either read from disk or held in memory. It is a superset of what
// the service accepts directly: CUDA C/C++ source must be compiled to
// PTX before it can be added.
type LinkableKind uint8

const (
	// LinkableUnknown is the zero value and is never a valid shape.
	LinkableUnknown LinkableKind = iota
	LinkablePTXSource
	LinkableCubin
	LinkableFatbin
	LinkableObject
	LinkableArchive
	LinkableLTOIR
	LinkableCUSource
)

var linkableKinds = [...]struct {
	name        string
	input       InputKind
	defaultName string
}{
	LinkableUnknown:   {"unknown", InputNone, ""},
	LinkablePTXSource: {"ptx", InputPTX, "<unnamed-ptx>"},
	LinkableCubin:     {"cubin", InputCubin, "<unnamed-cubin>"},
	LinkableFatbin:    {"fatbin", InputFatbin, "<unnamed-fatbin>"},
	LinkableObject:    {"object", InputObject, "<unnamed-object>"},
	LinkableArchive:   {"archive", InputLibrary, "<unnamed-archive>"},
	LinkableLTOIR:     {"ltoir", InputLTOIR, "<unnamed-ltoir>"},
	LinkableCUSource:  {"cu", InputNone, "<unnamed-cu>"},
}

// Valid reports whether k is one of the seven defined shapes.
func (k LinkableKind) Valid() bool {
	return k > LinkableUnknown && int(k) < len(linkableKinds)
}

// String returns the short name of the shape.
func (k LinkableKind) String() string {
	if int(k) < len(linkableKinds) {
		return linkableKinds[k].name
	}
	return fmt.Sprintf("LinkableKind(%d)", uint8(k))
}

// InputKind returns the service input kind for the shape. CUDA source
// maps to InputNone; see NeedsCompile.
func (k LinkableKind) InputKind() InputKind {
	if k.Valid() {
		return linkableKinds[k].input
	}
	return InputNone
}

// NeedsCompile reports whether the shape must be compiled to PTX
// before it can be added to a link.
func (k LinkableKind) NeedsCompile() bool {
	return k == LinkableCUSource
}

// DefaultName returns the placeholder name used when an artifact of
// this shape is created without one.
func (k LinkableKind) DefaultName() string {
	if k.Valid() {
		return linkableKinds[k].defaultName
	}
	return ""
}

// MarshalText implements encoding.TextMarshaler.
func (k LinkableKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseLinkableKind parses a shape name ("ptx", "cubin", "fatbin",
// "object", "archive", "ltoir", "cu").
func ParseLinkableKind(s string) (LinkableKind, bool) {
	for i := LinkablePTXSource; int(i) < len(linkableKinds); i++ {
		if linkableKinds[i].name == s {
			return i, true
		}
	}
	return LinkableUnknown, false
}
