package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfluke/pushconst/gpu"
	"github.com/openfluke/pushconst/wgsl"
)

func TestParamsWireFormat(t *testing.T) {
	b, err := Params{Offset: 0.5}.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x3f}, b)

	var p Params
	require.NoError(t, p.UnmarshalBinary([]byte{0x00, 0x00, 0x80, 0xbf}))
	assert.Equal(t, float32(-1), p.Offset)

	assert.Error(t, p.UnmarshalBinary([]byte{0, 0, 0}))
	assert.Error(t, p.UnmarshalBinary(make([]byte, 8)))
}

func TestAddOffsetInterface(t *testing.T) {
	prog := AddOffset()
	in, err := wgsl.Reflect(prog.WGSL, prog.EntryPoint)
	require.NoError(t, err)
	require.NotNil(t, in.PushConstant)
	assert.Equal(t, uint32(ParamsSize), in.PushConstant.Size)

	_, err = gpu.LinkProgram(prog, []gpu.LayoutEntry{gpu.ReadOnlyStorage(0), gpu.Storage(1)}, ParamsSize)
	require.NoError(t, err)

	assert.Contains(t, prog.OKL, "@kernel void "+prog.OKLEntryPoint+"(")
}

func TestAddOffsetHost(t *testing.T) {
	a := gpu.ToBytes([]float32{1, 2, 3})
	b := gpu.ToBytes([]float32{10, 20, 30})
	bindings := map[uint32][]byte{0: a, 1: b}
	push := Params{Offset: 0.5}.Bytes()

	for i := uint32(0); i < 4; i++ {
		addOffsetHost([3]uint32{i, 0, 0}, bindings, push)
	}
	assert.Equal(t, []float32{11.5, 22.5, 33.5}, gpu.FromBytes(b))
	assert.Equal(t, []float32{1, 2, 3}, gpu.FromBytes(a), "input slot is not written")
}
