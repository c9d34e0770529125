package canon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Op is the kind of a single structural difference.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpChange Op = "change"
)

// Change is one field-level difference between two documents.
// Path elements are object keys or decimal array indexes.
type Change struct {
	Op   Op       `json:"op"`
	Path []string `json:"path"`
	Old  any      `json:"old,omitempty"`
	New  any      `json:"new,omitempty"`
}

// PathString renders the path in dotted form, e.g. "items.0.price".
func (c Change) PathString() string {
	return strings.Join(c.Path, ".")
}

func (c Change) String() string {
	switch c.Op {
	case OpAdd:
		return fmt.Sprintf("add %s", c.PathString())
	case OpRemove:
		return fmt.Sprintf("remove %s", c.PathString())
	default:
		return fmt.Sprintf("change %s", c.PathString())
	}
}

// Diff returns the structural differences turning old into new.
// Objects are descended key by key in canonical order, arrays element-wise by
// index; a type change at a node is reported as a single change of that node.
// Both arguments must be document trees (see Normalize).
func Diff(old, new any) []Change {
	var out []Change
	diffValue(nil, old, new, &out)
	return out
}

func diffValue(path []string, old, new any, out *[]Change) {
	switch o := old.(type) {
	case map[string]any:
		if n, ok := new.(map[string]any); ok {
			diffObject(path, o, n, out)
			return
		}
	case []any:
		if n, ok := new.([]any); ok {
			diffArray(path, o, n, out)
			return
		}
	}
	if !scalarEqual(old, new) {
		*out = append(*out, Change{Op: OpChange, Path: clonePath(path), Old: old, New: new})
	}
}

func diffObject(path []string, old, new map[string]any, out *[]Change) {
	merged := make(map[string]any, len(old)+len(new))
	for k := range old {
		merged[k] = nil
	}
	for k := range new {
		merged[k] = nil
	}
	for _, k := range SortedKeys(merged) {
		ov, inOld := old[k]
		nv, inNew := new[k]
		child := append(clonePath(path), k)
		switch {
		case !inNew:
			*out = append(*out, Change{Op: OpRemove, Path: child, Old: ov})
		case !inOld:
			*out = append(*out, Change{Op: OpAdd, Path: child, New: nv})
		default:
			diffValue(child, ov, nv, out)
		}
	}
}

func diffArray(path []string, old, new []any, out *[]Change) {
	common := min(len(old), len(new))
	for i := 0; i < common; i++ {
		diffValue(append(clonePath(path), strconv.Itoa(i)), old[i], new[i], out)
	}
	for i := common; i < len(new); i++ {
		*out = append(*out, Change{Op: OpAdd, Path: append(clonePath(path), strconv.Itoa(i)), New: new[i]})
	}
	for i := common; i < len(old); i++ {
		*out = append(*out, Change{Op: OpRemove, Path: append(clonePath(path), strconv.Itoa(i)), Old: old[i]})
	}
}

// scalarEqual compares leaves; containers of mismatched kinds are unequal.
// Numbers compare by canonical rendering so 10 and 10.0 are the same value.
func scalarEqual(a, b any) bool {
	an, aNum := a.(json.Number)
	bn, bNum := b.(json.Number)
	if aNum && bNum {
		as, errA := canonicalNumber(string(an))
		bs, errB := canonicalNumber(string(bn))
		if errA != nil || errB != nil {
			return an == bn
		}
		return as == bs
	}
	switch a.(type) {
	case map[string]any, []any:
		return false
	}
	switch b.(type) {
	case map[string]any, []any:
		return false
	}
	return a == b
}

func clonePath(path []string) []string {
	out := make([]string, len(path), len(path)+1)
	copy(out, path)
	return out
}
