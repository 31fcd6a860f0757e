// Package kernel holds the add-offset compute kernel in every form a backend
// can run, together with its push constant wire format.
package kernel

import (
	"encoding/binary"
	"math"

	"github.com/openfluke/pushconst/gpu"
)

// EntryPoint is the WGSL entry point.
const EntryPoint = "main"

// OKLEntryPoint is the OCCA kernel name.
const OKLEntryPoint = "addOffset"

// AddOffsetWGSL computes b[i] = a[i] + b[i] + params.offset, one invocation per element.
const AddOffsetWGSL = `
struct Params {
    offset: f32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read_write> b: array<f32>;

var<push_constant> params: Params;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.x;
    if (i >= arrayLength(&b)) {
        return;
    }
    b[i] = a[i] + b[i] + params.offset;
}
`

// AddOffsetOKL is the OCCA form. The OCCA device passes the invocation count
// first, then the bound buffers by binding index, then the push constant words.
const AddOffsetOKL = `
@kernel void addOffset(const int n,
                       const float *a,
                       float *b,
                       const float offset) {
  for (int i = 0; i < n; ++i; @tile(64, @outer, @inner)) {
    b[i] = a[i] + b[i] + offset;
  }
}
`

// AddOffset returns the add-offset program.
func AddOffset() *gpu.ShaderProgram {
	return &gpu.ShaderProgram{
		Label:         "add_offset",
		EntryPoint:    EntryPoint,
		WGSL:          AddOffsetWGSL,
		OKL:           AddOffsetOKL,
		OKLEntryPoint: OKLEntryPoint,
		Host:          addOffsetHost,
	}
}

func addOffsetHost(gid [3]uint32, bindings map[uint32][]byte, push []byte) {
	a, b := bindings[0], bindings[1]
	i := int(gid[0]) * 4
	if i+4 > len(b) || i+4 > len(a) {
		return
	}
	var p Params
	if err := p.UnmarshalBinary(push); err != nil {
		return
	}
	av := math.Float32frombits(binary.LittleEndian.Uint32(a[i:]))
	bv := math.Float32frombits(binary.LittleEndian.Uint32(b[i:]))
	binary.LittleEndian.PutUint32(b[i:], math.Float32bits(av+bv+p.Offset))
}
