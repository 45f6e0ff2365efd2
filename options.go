package nvjitlink

import (
	"fmt"
	"strconv"
)

// Options are the caller-facing parameters from which a link
// session's option list is built. Arch is mandatory.
type Options struct {
	Arch            *ComputeCapability
	MaxRegisters    int
	Lineinfo        bool
	LTO             bool
	AdditionalFlags []string
}

// Flags builds the ordered option list passed to the link service:
// architecture, register cap, line info, LTO, then AdditionalFlags
// verbatim. Optional entries are appended only when set.
func (o Options) Flags() ([]string, error) {
	if o.Arch == nil {
		return nil, &ConfigurationError{Field: "arch", Reason: "linker requires compute capability to be specified"}
	}
	if o.MaxRegisters < 0 {
		return nil, &ConfigurationError{Field: "max_registers", Reason: fmt.Sprintf("must not be negative, got %d", o.MaxRegisters)}
	}

	flags := make([]string, 0, 4+len(o.AdditionalFlags))
	flags = append(flags, o.Arch.ArchFlag())
	if o.MaxRegisters > 0 {
		flags = append(flags, "-maxrregcount="+strconv.Itoa(o.MaxRegisters))
	}
	if o.Lineinfo {
		flags = append(flags, "-lineinfo")
	}
	if o.LTO {
		flags = append(flags, "-lto")
	}
	flags = append(flags, o.AdditionalFlags...)
	return flags, nil
}

// StringOptions converts loosely typed option values (e.g. decoded
// from a config file) into an option list. Any non-string value is
// rejected with an OptionTypeError.
func StringOptions(values []any) ([]string, error) {
	opts := make([]string, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, &OptionTypeError{Index: i, Value: v}
		}
		opts = append(opts, s)
	}
	return opts, nil
}
