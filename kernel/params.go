package kernel

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ParamsSize is the byte size of the push constant block.
const ParamsSize = 4

// Params is the push constant block of the add-offset kernel. Its wire form is
// a single little-endian IEEE-754 float32 at offset 0.
type Params struct {
	Offset float32
}

func (p Params) MarshalBinary() ([]byte, error) {
	out := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(out, math.Float32bits(p.Offset))
	return out, nil
}

func (p *Params) UnmarshalBinary(b []byte) error {
	if len(b) != ParamsSize {
		return fmt.Errorf("kernel: params block is %d bytes, want %d", len(b), ParamsSize)
	}
	p.Offset = math.Float32frombits(binary.LittleEndian.Uint32(b))
	return nil
}

// Bytes is MarshalBinary without the error.
func (p Params) Bytes() []byte {
	b, _ := p.MarshalBinary()
	return b
}
