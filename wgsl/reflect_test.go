package wgsl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const addOffset = `
struct Params {
    offset: f32,
}

@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read_write> b: array<f32>;

var<push_constant> params: Params;

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    b[gid.x] = a[gid.x] + b[gid.x] + params.offset;
}
`

func TestReflectAddOffset(t *testing.T) {
	in, err := Reflect(addOffset, "main")
	require.NoError(t, err)

	assert.Equal(t, "compute", in.Stage)
	assert.Equal(t, [3]uint32{1, 1, 1}, in.WorkgroupSize)
	require.Len(t, in.Bindings, 2)
	assert.Equal(t, Binding{Group: 0, Binding: 0, Name: "a", Space: "storage", Access: AccessRead, Type: "array<f32>"}, in.Bindings[0])
	assert.Equal(t, Binding{Group: 0, Binding: 1, Name: "b", Space: "storage", Access: AccessReadWrite, Type: "array<f32>"}, in.Bindings[1])
	require.NotNil(t, in.PushConstant)
	assert.Equal(t, PushConstant{Name: "params", Type: "Params", Size: 4}, *in.PushConstant)
}

func TestReflectWorkgroupSizeConsts(t *testing.T) {
	src := `
const WG: u32 = 64u;
// @group(9) @binding(9) var<storage, read> commented: array<f32>;
/* var<push_constant> hidden: f32; */
@group(0) @binding(3) var<storage> x: array<u32>;
@compute @workgroup_size(WG, 2)
fn run() {}
`
	in, err := Reflect(src, "run")
	require.NoError(t, err)
	assert.Equal(t, [3]uint32{64, 2, 1}, in.WorkgroupSize)
	require.Len(t, in.Bindings, 1)
	assert.Equal(t, uint32(3), in.Bindings[0].Binding)
	assert.Equal(t, AccessRead, in.Bindings[0].Access, "storage defaults to read")
	assert.Nil(t, in.PushConstant)
}

func TestReflectErrors(t *testing.T) {
	cases := map[string]struct {
		src, entry string
	}{
		"missing entry": {addOffset, "other"},
		"not an entry": {"fn helper() {}", "helper"},
		"two push constants": {`
var<push_constant> p: f32;
var<push_constant> q: f32;
@compute @workgroup_size(1) fn main() {}`, "main"},
		"missing binding": {`
@group(0) var<storage, read> a: array<f32>;
@compute @workgroup_size(1) fn main() {}`, "main"},
		"duplicate slot": {`
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(0) var<storage, read_write> b: array<f32>;
@compute @workgroup_size(1) fn main() {}`, "main"},
		"zero workgroup": {`@compute @workgroup_size(0) fn main() {}`, "main"},
		"runtime-sized push constant": {`
var<push_constant> p: array<f32>;
@compute @workgroup_size(1) fn main() {}`, "main"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Reflect(tc.src, tc.entry)
			assert.Error(t, err)
		})
	}
}

func TestSizeOf(t *testing.T) {
	src := `
struct Inner { v: vec3<f32>, w: f32 }
struct Outer {
    a: f32,
    inner: Inner,
    arr: array<vec2f, 3>,
}
`
	cases := []struct {
		typ   string
		size  uint32
		align uint32
	}{
		{"f32", 4, 4},
		{"f16", 2, 2},
		{"vec2<f32>", 8, 8},
		{"vec3<f32>", 12, 16},
		{"vec4u", 16, 16},
		{"array<f32, 4>", 16, 4},
		{"array<vec3<f32>, 2>", 32, 16},
		{"Inner", 16, 16},
		{"Outer", 64, 16},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			size, align, err := SizeOf(src, tc.typ)
			require.NoError(t, err)
			assert.Equal(t, tc.size, size, "size")
			assert.Equal(t, tc.align, align, "align")
		})
	}

	_, _, err := SizeOf(src, "Missing")
	assert.Error(t, err)
}
