package nvjitlink

import (
	"path/filepath"
	"strings"
)

// Input is an artifact the linker can be asked to add: either a
// FilePath or an in-memory Linkable. The set is closed; raw byte
// slices are not inputs because their kind cannot be inferred
// reliably.
type Input interface {
	// inputMarker is unexported to prevent external implementations.
	inputMarker()
}

// FilePath is an artifact on disk. Its kind is derived from the file
// extension.
type FilePath string

func (FilePath) inputMarker() {}

// Linkable is an artifact held in memory. Name is used only for
// diagnostics.
type Linkable struct {
	Kind LinkableKind
	Name string
	Data []byte
}

func (Linkable) inputMarker() {}

// NewLinkable returns a Linkable of the given shape. An empty name is
// replaced by the shape's default.
func NewLinkable(kind LinkableKind, data []byte, name string) Linkable {
	if name == "" {
		name = kind.DefaultName()
	}
	return Linkable{Kind: kind, Name: name, Data: data}
}

// NewPTXSource wraps PTX text.
func NewPTXSource(data []byte, name string) Linkable {
	return NewLinkable(LinkablePTXSource, data, name)
}

// NewCubin wraps a cubin.
func NewCubin(data []byte, name string) Linkable {
	return NewLinkable(LinkableCubin, data, name)
}

// NewFatbin wraps a fatbin.
func NewFatbin(data []byte, name string) Linkable {
	return NewLinkable(LinkableFatbin, data, name)
}

// NewObject wraps a relocatable object.
func NewObject(data []byte, name string) Linkable {
	return NewLinkable(LinkableObject, data, name)
}

// NewArchive wraps a static library archive.
func NewArchive(data []byte, name string) Linkable {
	return NewLinkable(LinkableArchive, data, name)
}

// NewLTOIR wraps LTO intermediate representation.
func NewLTOIR(data []byte, name string) Linkable {
	return NewLinkable(LinkableLTOIR, data, name)
}

// NewCUSource wraps CUDA C/C++ source text.
func NewCUSource(data []byte, name string) Linkable {
	return NewLinkable(LinkableCUSource, data, name)
}

// extensionKinds maps lower-case file extensions (without the dot)
// to artifact shapes.
var extensionKinds = map[string]LinkableKind{
	"cubin":  LinkableCubin,
	"fatbin": LinkableFatbin,
	"o":      LinkableObject,
	"a":      LinkableArchive,
	"ptx":    LinkablePTXSource,
	"ltoir":  LinkableLTOIR,
	"cu":     LinkableCUSource,
}

// KindForExtension returns the shape for a file extension, with or
// without the leading dot.
func KindForExtension(ext string) (LinkableKind, bool) {
	k, ok := extensionKinds[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return k, ok
}

// KindForPath classifies a path by its extension. Returns an
// UnknownKindError if the extension is not recognised.
func KindForPath(path string) (LinkableKind, error) {
	ext := filepath.Ext(path)
	if k, ok := KindForExtension(ext); ok {
		return k, nil
	}
	return LinkableUnknown, &UnknownKindError{Path: path, Ext: ext}
}

// PTXNameFor derives the name under which compiled CUDA source is
// added: the base name with its extension replaced by ".ptx".
func PTXNameFor(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".ptx"
}
