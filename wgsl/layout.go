package wgsl

import (
	"fmt"
	"strconv"
	"strings"
)

// SizeOf returns the host-shareable byte size and alignment of typ, resolving
// struct names declared in src.
func SizeOf(src, typ string) (size, align uint32, err error) {
	src = reBlockComment.ReplaceAllString(src, "")
	src = reLineComment.ReplaceAllString(src, "")
	structs, err := parseStructs(src)
	if err != nil {
		return 0, 0, err
	}
	return sizeOf(typ, structs)
}

var scalarSizes = map[string]uint32{"f32": 4, "i32": 4, "u32": 4, "f16": 2}

var vecShorthand = map[string]string{
	"vec2f": "vec2<f32>", "vec3f": "vec3<f32>", "vec4f": "vec4<f32>",
	"vec2i": "vec2<i32>", "vec3i": "vec3<i32>", "vec4i": "vec4<i32>",
	"vec2u": "vec2<u32>", "vec3u": "vec3<u32>", "vec4u": "vec4<u32>",
	"vec2h": "vec2<f16>", "vec3h": "vec3<f16>", "vec4h": "vec4<f16>",
}

func sizeOf(typ string, structs map[string][]field) (uint32, uint32, error) {
	return sizeOfDepth(strings.TrimSpace(typ), structs, 0)
}

func sizeOfDepth(typ string, structs map[string][]field, depth int) (uint32, uint32, error) {
	if depth > 16 {
		return 0, 0, fmt.Errorf("type %s nests too deeply", typ)
	}
	if long, ok := vecShorthand[typ]; ok {
		typ = long
	}
	if s, ok := scalarSizes[typ]; ok {
		return s, s, nil
	}

	if strings.HasPrefix(typ, "vec") && len(typ) > 5 && typ[4] == '<' && strings.HasSuffix(typ, ">") {
		n := uint32(typ[3] - '0')
		if n < 2 || n > 4 {
			return 0, 0, fmt.Errorf("unsupported vector %s", typ)
		}
		es, ok := scalarSizes[strings.TrimSpace(typ[5:len(typ)-1])]
		if !ok {
			return 0, 0, fmt.Errorf("unsupported vector element in %s", typ)
		}
		align := es * n
		if n == 3 {
			align = es * 4
		}
		return es * n, align, nil
	}

	if strings.HasPrefix(typ, "array<") && strings.HasSuffix(typ, ">") {
		parts := splitTopLevel(typ[len("array<") : len(typ)-1])
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("runtime-sized %s has no fixed size", typ)
		}
		n, err := strconv.ParseUint(strings.TrimRight(strings.TrimSpace(parts[1]), "ui"), 10, 32)
		if err != nil || n == 0 {
			return 0, 0, fmt.Errorf("array count in %s must be a positive literal", typ)
		}
		es, ea, err := sizeOfDepth(strings.TrimSpace(parts[0]), structs, depth+1)
		if err != nil {
			return 0, 0, err
		}
		stride := roundUp(ea, es)
		return uint32(n) * stride, ea, nil
	}

	fields, ok := structs[typ]
	if !ok {
		return 0, 0, fmt.Errorf("unknown type %s", typ)
	}
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("struct %s has no members", typ)
	}
	var offset, maxAlign uint32
	for _, f := range fields {
		fs, fa, err := sizeOfDepth(f.typ, structs, depth+1)
		if err != nil {
			return 0, 0, fmt.Errorf("%s.%s: %w", typ, f.name, err)
		}
		offset = roundUp(fa, offset) + fs
		if fa > maxAlign {
			maxAlign = fa
		}
	}
	return roundUp(maxAlign, offset), maxAlign, nil
}

func roundUp(align, n uint32) uint32 {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}
