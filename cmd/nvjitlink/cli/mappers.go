package cli

import (
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-nvjitlink"
)

// computeCapabilityMapper creates a Kong mapper for ComputeCapability.
func computeCapabilityMapper() kong.MapperFunc {
	return func(ctx *kong.DecodeContext, target reflect.Value) error {
		var s string
		if err := ctx.Scan.PopValueInto("compute-capability", &s); err != nil {
			return err
		}
		cc, err := nvjitlink.ParseComputeCapability(s)
		if err != nil {
			return err
		}
		target.Set(reflect.ValueOf(cc))
		return nil
	}
}
