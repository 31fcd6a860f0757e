package wgsl

import (
	"fmt"
	"regexp"
)

var rePushVar = regexp.MustCompile(`var\s*<\s*push_constant\s*>\s*(\w+)\s*:\s*([^;=]+?)\s*;`)

// LowerPushConstant rewrites the module's var<push_constant> block as a
// uniform binding at @group(group) @binding(binding). Comments are dropped.
// It reports false when the module declares no push constant block.
func LowerPushConstant(src string, group, binding uint32) (string, bool, error) {
	src = reBlockComment.ReplaceAllString(src, "")
	src = reLineComment.ReplaceAllString(src, "")

	matches := rePushVar.FindAllStringSubmatchIndex(src, -1)
	switch len(matches) {
	case 0:
		return src, false, nil
	case 1:
	default:
		return "", false, fmt.Errorf("wgsl: %d push_constant blocks, want at most one", len(matches))
	}
	m := matches[0]
	name, typ := src[m[2]:m[3]], src[m[4]:m[5]]
	decl := fmt.Sprintf("@group(%d) @binding(%d) var<uniform> %s: %s;", group, binding, name, typ)
	return src[:m[0]] + decl + src[m[1]:], true, nil
}

// UniformSize pads a block to the 16-byte granularity of uniform bindings.
func UniformSize(size uint32) uint32 {
	if size == 0 {
		return 16
	}
	return roundUp(16, size)
}
