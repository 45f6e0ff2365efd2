// Package nvjitlink holds the vocabulary shared by the nvJitLink
// binding: artifact kinds, link options, compute capabilities, the
// native service interface and the errors it reports.
//
// The session package drives a single link job against a Service;
// the shim package adapts sessions to the JIT pipeline's linker hook.
package nvjitlink
