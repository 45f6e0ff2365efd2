package cli

import (
	"context"

	"github.com/frobware/go-nvjitlink"
)

// VersionCmd prints the link library version.
type VersionCmd struct {
	OutputFlags
}

// VersionInfo is the version command's result.
type VersionInfo struct {
	NvJitLink nvjitlink.Version `json:"nvjitlink"`
}

// Run executes the version command.
func (c *VersionCmd) Run(cli *CLI, _ context.Context) error {
	logger, err := cli.Logger()
	if err != nil {
		return err
	}
	svc, err := cli.LinkService(logger)
	if err != nil {
		return err
	}
	v, err := svc.Version()
	if err != nil {
		return err
	}

	output, err := format(VersionInfo{NvJitLink: v}, &c.OutputFlags, func() string {
		return "nvJitLink " + v.String() + "\n"
	})
	if err != nil {
		return err
	}
	return cli.PrintOut(output)
}
