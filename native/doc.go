// Package native binds libnvJitLink, libnvrtc and the CUDA driver.
//
// The binding is compiled only with cgo and the "nvjitlink" build tag:
//
//	go build -tags nvjitlink ./...
//
// Without it every constructor returns nvjitlink.ErrUnavailable, so
// the rest of the module builds and tests on hosts without the CUDA
// toolkit.
package native
