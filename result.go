package nvjitlink

import "fmt"

// Result is a status code returned by the native link service. Values
// match nvJitLinkResult.
type Result int

const (
	ResultSuccess Result = iota
	ResultUnrecognizedOption
	ResultMissingArch
	ResultInvalidInput
	ResultPTXCompile
	ResultNVVMCompile
	ResultInternal
	ResultThreadpool
	ResultUnrecognizedInput
	ResultFinalize
	ResultNullInput
	ResultIncompatibleOptions
	ResultIncorrectInputType
	ResultArchMismatch
	ResultOutdatedLibrary
	ResultMissingFatbin
)

var resultNames = [...]string{
	ResultSuccess:             "NVJITLINK_SUCCESS",
	ResultUnrecognizedOption:  "NVJITLINK_ERROR_UNRECOGNIZED_OPTION",
	ResultMissingArch:         "NVJITLINK_ERROR_MISSING_ARCH",
	ResultInvalidInput:        "NVJITLINK_ERROR_INVALID_INPUT",
	ResultPTXCompile:          "NVJITLINK_ERROR_PTX_COMPILE",
	ResultNVVMCompile:         "NVJITLINK_ERROR_NVVM_COMPILE",
	ResultInternal:            "NVJITLINK_ERROR_INTERNAL",
	ResultThreadpool:          "NVJITLINK_ERROR_THREADPOOL",
	ResultUnrecognizedInput:   "NVJITLINK_ERROR_UNRECOGNIZED_INPUT",
	ResultFinalize:            "NVJITLINK_ERROR_FINALIZE",
	ResultNullInput:           "NVJITLINK_ERROR_NULL_INPUT",
	ResultIncompatibleOptions: "NVJITLINK_ERROR_INCOMPATIBLE_OPTIONS",
	ResultIncorrectInputType:  "NVJITLINK_ERROR_INCORRECT_INPUT_TYPE",
	ResultArchMismatch:        "NVJITLINK_ERROR_ARCH_MISMATCH",
	ResultOutdatedLibrary:     "NVJITLINK_ERROR_OUTDATED_LIBRARY",
	ResultMissingFatbin:       "NVJITLINK_ERROR_MISSING_FATBIN",
}

// String returns the native enumerator name, or "<unknown>".
func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return "<unknown>"
}

// Error lets a Result be used as an errors.Is target:
//
//	errors.Is(err, nvjitlink.ResultMissingArch)
func (r Result) Error() string {
	return r.String()
}

// ServiceError is a failure reported by the native link service.
type ServiceError struct {
	// Op is the native entry point that failed, e.g. "nvJitLinkCreate".
	Op     string
	Result Result
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s error when calling %s", e.Result, e.Op)
}

// Is matches a Result target with the same code.
func (e *ServiceError) Is(target error) bool {
	r, ok := target.(Result)
	return ok && r == e.Result
}
