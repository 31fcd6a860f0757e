// Package occa runs programs through OCCA (github.com/notargets/gocca), which
// compiles the OKL form of a program for CUDA, HIP, OpenCL, OpenMP or Serial.
//
// OCCA has no push constant mechanism; the device passes the push constant
// block to the kernel as trailing float scalar arguments, one per 4-byte word.
package occa

import "errors"

// ErrUnavailable is returned when the binary was built without the occa tag.
var ErrUnavailable = errors.New("pushconst/occa: built without OCCA support (use -tags occa)")

// DefaultMode is the OCCA device used when none is configured.
const DefaultMode = `{"mode": "Serial"}`

// maxPushConstantSize bounds the number of scalar words appended to a kernel call.
const maxPushConstantSize = 64
