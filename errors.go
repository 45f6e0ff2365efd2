package nvjitlink

import (
	"errors"
	"fmt"
	"strings"
)

// ErrLinkComplete is returned when data is added to a link that has
// already been completed. It is detected locally, without a service
// round trip.
var ErrLinkComplete = errors.New("cannot add data to already-completed link")

// ErrUnavailable is returned when the native link service is not
// available in this build or on this host.
var ErrUnavailable = errors.New("nvJitLink is not available")

// ConfigurationError reports missing or invalid session-creation
// parameters, detected before the service is contacted.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid link configuration: " + e.Reason
	}
	return fmt.Sprintf("invalid link configuration: %s: %s", e.Field, e.Reason)
}

// OptionTypeError is returned when a link option is not a string.
type OptionTypeError struct {
	Index int
	Value any
}

func (e *OptionTypeError) Error() string {
	return fmt.Sprintf("expecting only strings for link options: option %d is %T", e.Index, e.Value)
}

// UnknownKindError is returned when a path's extension does not map
// to a known artifact kind.
type UnknownKindError struct {
	Path string
	Ext  string
}

func (e *UnknownKindError) Error() string {
	if e.Ext == "" {
		return fmt.Sprintf("don't know how to link %s: no file extension", e.Path)
	}
	return fmt.Sprintf("don't know how to link %s: unknown kind %q", e.Path, e.Ext)
}

// InputTypeError is returned when an in-memory artifact is not one of
// the defined shapes.
type InputTypeError struct {
	Name string
	Kind LinkableKind
}

func (e *InputTypeError) Error() string {
	return fmt.Sprintf("don't know how to link %q: %s is not a linkable code kind", e.Name, e.Kind)
}

// Phase identifies the step of the link protocol that failed.
type Phase string

const (
	PhaseCreate   Phase = "create"
	PhaseAdd      Phase = "add"
	PhaseFinalize Phase = "finalize"
)

// LinkError wraps a failure from a link session with the phase it
// occurred in and, when the service provided one, the error log.
type LinkError struct {
	Phase Phase
	// Name is the artifact name for PhaseAdd.
	Name     string
	ErrorLog string
	Cause    error
}

func (e *LinkError) Error() string {
	var b strings.Builder
	b.WriteString("link ")
	b.WriteString(string(e.Phase))
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.ErrorLog != "" {
		b.WriteString("\n")
		b.WriteString(e.ErrorLog)
	}
	return b.String()
}

func (e *LinkError) Unwrap() error {
	return e.Cause
}

// IsProtocolViolation reports whether err is an out-of-order use of
// the link protocol: adding after completion, or fetching output from
// a link the service does not consider complete.
func IsProtocolViolation(err error) bool {
	if errors.Is(err, ErrLinkComplete) {
		return true
	}
	var le *LinkError
	return errors.As(err, &le) && le.Phase == PhaseFinalize && errors.Is(err, ResultInternal)
}
