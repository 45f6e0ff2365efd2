package logging

import (
	"fmt"
	"slices"
	"strings"
)

// Component names used by this module's packages.
const (
	ComponentSession = "session"
	ComponentShim    = "shim"
	ComponentJIT     = "jit"
	ComponentCache   = "cache"
	ComponentNative  = "native"
	ComponentCLI     = "cli"
)

// Spec is a base level plus per-component overrides.
//
// Grammar: <level>[,<component>=<level>]...
//
//	"info"
//	"warn,session=debug"
//	"info,shim=debug,cache=trace"
type Spec struct {
	Base       Level
	Components map[string]Level
}

// ParseSpec parses a log spec. An empty string yields info with no
// overrides. A bare level is only accepted as the first element.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{Base: LevelInfo, Components: map[string]Level{}}

	for i, part := range strings.Split(strings.TrimSpace(s), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, value, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.Base = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(value)
		if err != nil {
			return spec, fmt.Errorf("component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the level for component, falling back to the base.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.Base
}

// String renders s in spec grammar with components sorted by name.
func (s *Spec) String() string {
	parts := []string{s.Base.String()}
	names := make([]string, 0, len(s.Components))
	for name := range s.Components {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		parts = append(parts, name+"="+s.Components[name].String())
	}
	return strings.Join(parts, ",")
}
