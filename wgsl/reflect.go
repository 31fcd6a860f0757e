// Package wgsl reflects the resource interface of a WGSL compute module:
// storage bindings, the push constant block and the entry point's workgroup size.
// It reads declarations only and does not validate function bodies.
package wgsl

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Access is the declared access mode of a storage binding.
type Access int

const (
	AccessRead Access = iota + 1
	AccessReadWrite
)

func (a Access) String() string {
	if a == AccessReadWrite {
		return "read_write"
	}
	return "read"
}

// Binding is one @group/@binding resource variable.
type Binding struct {
	Group   uint32
	Binding uint32
	Name    string
	Space   string // storage or uniform
	Access  Access
	Type    string
}

// PushConstant is the module's var<push_constant> block.
type PushConstant struct {
	Name string
	Type string
	Size uint32
}

// Interface is everything a pipeline needs to check a module against its layout.
type Interface struct {
	EntryPoint    string
	Stage         string
	WorkgroupSize [3]uint32
	Bindings      []Binding
	PushConstant  *PushConstant
}

// BindingsInGroup returns the bindings of one group sorted by index.
func (in *Interface) BindingsInGroup(group uint32) []Binding {
	var out []Binding
	for _, b := range in.Bindings {
		if b.Group == group {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Binding < out[j].Binding })
	return out
}

var (
	reLineComment  = regexp.MustCompile(`//[^\n]*`)
	reBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reStruct       = regexp.MustCompile(`struct\s+(\w+)\s*\{([^}]*)\}`)
	reVar          = regexp.MustCompile(`((?:@\w+\s*(?:\([^)]*\))?\s*)*)var\s*<\s*(\w+)\s*(?:,\s*(\w+)\s*)?>\s*(\w+)\s*:\s*([^;=]+?)\s*;`)
	reFn           = regexp.MustCompile(`((?:@\w+\s*(?:\([^)]*\))?\s*)+)fn\s+(\w+)\s*\(`)
	reAttr         = regexp.MustCompile(`@(\w+)\s*(?:\(([^)]*)\))?`)
	reConst        = regexp.MustCompile(`const\s+(\w+)\s*(?::\s*\w+\s*)?=\s*(\d+)[ui]?\s*;`)
	reAttrStrip    = regexp.MustCompile(`@\w+\s*(?:\([^)]*\))?`)
)

// Reflect parses src and returns the interface of the compute entry point entry.
func Reflect(src, entry string) (*Interface, error) {
	src = reBlockComment.ReplaceAllString(src, "")
	src = reLineComment.ReplaceAllString(src, "")

	structs, err := parseStructs(src)
	if err != nil {
		return nil, err
	}
	consts := map[string]uint32{}
	for _, m := range reConst.FindAllStringSubmatch(src, -1) {
		v, err := strconv.ParseUint(m[2], 10, 32)
		if err == nil {
			consts[m[1]] = uint32(v)
		}
	}

	in := &Interface{EntryPoint: entry}
	if err := parseEntry(src, entry, consts, in); err != nil {
		return nil, err
	}

	for _, m := range reVar.FindAllStringSubmatch(src, -1) {
		attrs, space, access, name, typ := m[1], m[2], m[3], m[4], strings.TrimSpace(m[5])
		switch space {
		case "push_constant":
			if in.PushConstant != nil {
				return nil, fmt.Errorf("wgsl: more than one push_constant block (%s, %s)", in.PushConstant.Name, name)
			}
			size, _, err := sizeOf(typ, structs)
			if err != nil {
				return nil, fmt.Errorf("wgsl: push constant %s: %w", name, err)
			}
			in.PushConstant = &PushConstant{Name: name, Type: typ, Size: size}
		case "storage", "uniform":
			b := Binding{Name: name, Space: space, Type: typ, Access: AccessRead}
			if access == "read_write" {
				b.Access = AccessReadWrite
			} else if access != "" && access != "read" {
				return nil, fmt.Errorf("wgsl: %s: unsupported access mode %q", name, access)
			}
			var haveGroup, haveBinding bool
			for _, a := range reAttr.FindAllStringSubmatch(attrs, -1) {
				switch a[1] {
				case "group":
					v, err := resolveInt(a[2], consts)
					if err != nil {
						return nil, fmt.Errorf("wgsl: %s: @group: %w", name, err)
					}
					b.Group, haveGroup = v, true
				case "binding":
					v, err := resolveInt(a[2], consts)
					if err != nil {
						return nil, fmt.Errorf("wgsl: %s: @binding: %w", name, err)
					}
					b.Binding, haveBinding = v, true
				}
			}
			if !haveGroup || !haveBinding {
				return nil, fmt.Errorf("wgsl: resource %s is missing @group or @binding", name)
			}
			for _, prev := range in.Bindings {
				if prev.Group == b.Group && prev.Binding == b.Binding {
					return nil, fmt.Errorf("wgsl: @group(%d) @binding(%d) used by both %s and %s", b.Group, b.Binding, prev.Name, name)
				}
			}
			in.Bindings = append(in.Bindings, b)
		}
	}
	return in, nil
}

func parseEntry(src, entry string, consts map[string]uint32, in *Interface) error {
	for _, m := range reFn.FindAllStringSubmatch(src, -1) {
		if m[2] != entry {
			continue
		}
		wg := [3]uint32{1, 1, 1}
		stage := ""
		for _, a := range reAttr.FindAllStringSubmatch(m[1], -1) {
			switch a[1] {
			case "compute", "vertex", "fragment":
				stage = a[1]
			case "workgroup_size":
				parts := strings.Split(a[2], ",")
				if len(parts) > 3 {
					return fmt.Errorf("wgsl: %s: workgroup_size takes at most 3 values", entry)
				}
				for i, p := range parts {
					v, err := resolveInt(p, consts)
					if err != nil {
						return fmt.Errorf("wgsl: %s: workgroup_size: %w", entry, err)
					}
					if v == 0 {
						return fmt.Errorf("wgsl: %s: workgroup_size must be positive", entry)
					}
					wg[i] = v
				}
			}
		}
		if stage == "" {
			return fmt.Errorf("wgsl: function %s is not an entry point", entry)
		}
		in.Stage = stage
		in.WorkgroupSize = wg
		return nil
	}
	return fmt.Errorf("wgsl: entry point %q not found", entry)
}

func resolveInt(s string, consts map[string]uint32) (uint32, error) {
	s = strings.TrimSpace(s)
	if v, ok := consts[s]; ok {
		return v, nil
	}
	v, err := strconv.ParseUint(strings.TrimRight(s, "ui"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("cannot evaluate %q", s)
	}
	return uint32(v), nil
}

type field struct {
	name string
	typ  string
}

func parseStructs(src string) (map[string][]field, error) {
	out := map[string][]field{}
	for _, m := range reStruct.FindAllStringSubmatch(src, -1) {
		body := reAttrStrip.ReplaceAllString(m[2], "")
		var fields []field
		for _, member := range splitTopLevel(body) {
			member = strings.TrimSpace(member)
			if member == "" {
				continue
			}
			name, typ, ok := strings.Cut(member, ":")
			if !ok {
				return nil, fmt.Errorf("wgsl: struct %s: malformed member %q", m[1], member)
			}
			fields = append(fields, field{name: strings.TrimSpace(name), typ: strings.TrimSpace(typ)})
		}
		out[m[1]] = fields
	}
	return out, nil
}

// splitTopLevel splits on commas and semicolons outside <...>.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
		case ',', ';':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}
