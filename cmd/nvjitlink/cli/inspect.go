package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/afero"

	"github.com/frobware/go-nvjitlink"
)

// InspectCmd guesses artifact kinds from file contents.
type InspectCmd struct {
	OutputFlags
	Paths []string `arg:"" name:"path" help:"Files to inspect."`
}

// Inspection describes one file.
type Inspection struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	// Detected is guessed from the leading bytes; the linker never
	// does this and goes by Extension.
	Detected  string `json:"detected"`
	Extension string `json:"extension,omitempty"`
	ELF       bool   `json:"elf"`
	// Mismatch is set when the extension and contents disagree.
	Mismatch bool `json:"mismatch"`
}

// Inspect reads path from fs and describes it.
func Inspect(fs afero.Fs, path string) (Inspection, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Inspection{}, fmt.Errorf("read %s: %w", path, err)
	}
	detected := nvjitlink.SniffKind(data)
	in := Inspection{
		Path:     path,
		Size:     len(data),
		Detected: detected.String(),
		ELF:      nvjitlink.IsELF(data),
	}
	if ext, err := nvjitlink.KindForPath(path); err == nil {
		in.Extension = ext.String()
		in.Mismatch = mismatch(ext, detected)
	}
	return in, nil
}

// Run executes the inspect command.
func (c *InspectCmd) Run(cli *CLI, _ context.Context) error {
	results := make([]Inspection, 0, len(c.Paths))
	for _, p := range c.Paths {
		in, err := Inspect(cli.fs(), p)
		if err != nil {
			return err
		}
		results = append(results, in)
	}

	output, err := format(results, &c.OutputFlags, func() string {
		rows := make([][]string, len(results))
		for i, r := range results {
			note := ""
			if r.Mismatch {
				note = "extension mismatch"
			}
			rows[i] = []string{r.Path, strconv.Itoa(r.Size), r.Detected, orDash(r.Extension), note}
		}
		return table([]string{"PATH", "SIZE", "DETECTED", "EXTENSION", "NOTE"}, rows)
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

// mismatch reports whether the extension kind contradicts the
// detected one. CUDA source is never detected, and an ELF cubin and
// object are not told apart reliably.
func mismatch(ext, detected nvjitlink.LinkableKind) bool {
	switch {
	case detected == nvjitlink.LinkableUnknown, detected == ext:
		return false
	case ext == nvjitlink.LinkableCUSource:
		return false
	case isELFKind(ext) && isELFKind(detected):
		return false
	default:
		return true
	}
}

func isELFKind(k nvjitlink.LinkableKind) bool {
	return k == nvjitlink.LinkableCubin || k == nvjitlink.LinkableObject
}
