package cli

import (
	"context"
	"path/filepath"

	"github.com/frobware/go-nvjitlink"
	"github.com/frobware/go-nvjitlink/jit"
)

// ClassifyCmd reports how paths are classified by extension.
type ClassifyCmd struct {
	OutputFlags
	Paths []string `arg:"" name:"path" help:"Paths to classify."`
}

// Classification is how one path would be linked.
type Classification struct {
	Path string `json:"path"`
	// Kind is empty when the extension is not recognised.
	Kind  string `json:"kind,omitempty"`
	Input string `json:"input,omitempty"`
	// Pipeline is the kind the JIT pipeline's own table gives the
	// extension, which lacks some of the linker's kinds.
	Pipeline string `json:"pipeline,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Classify classifies path without reading it.
func Classify(path string) Classification {
	c := Classification{Path: path}
	kind, err := nvjitlink.KindForPath(path)
	if err != nil {
		c.Error = err.Error()
	} else {
		c.Kind = kind.String()
		if kind.NeedsCompile() {
			c.Input = "ptx (compiled)"
		} else {
			c.Input = kind.InputKind().String()
		}
	}
	if pk, ok := jit.FileExtensionKind(filepath.Ext(path)); ok {
		c.Pipeline = pk.String()
	}
	return c
}

// Run executes the classify command.
func (c *ClassifyCmd) Run(cli *CLI, _ context.Context) error {
	results := make([]Classification, len(c.Paths))
	for i, p := range c.Paths {
		results[i] = Classify(p)
	}

	output, err := format(results, &c.OutputFlags, func() string {
		rows := make([][]string, len(results))
		for i, r := range results {
			rows[i] = []string{r.Path, orDash(r.Kind), orDash(r.Input), orDash(r.Pipeline)}
		}
		return table([]string{"PATH", "KIND", "INPUT", "PIPELINE"}, rows)
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
