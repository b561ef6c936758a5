package device

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// Reserved identity attribute names. A node carries at most one of each.
const (
	AttrBus        = "device/bus"
	AttrPrettyName = "device/pretty name"
	AttrUniqueID   = "device/unique id"
	AttrFlags      = "device/flags"
)

// Conventional descriptive attribute names. These may repeat on a node.
const (
	AttrCompatible = "device/compatible"
	AttrFixedChild = "device/fixed child"
)

// reservedAttrs lists the names that must be unique per node.
var reservedAttrs = map[string]struct{}{
	AttrBus:        {},
	AttrPrettyName: {},
	AttrUniqueID:   {},
	AttrFlags:      {},
}

// IsReservedAttr reports whether name is a unique-per-node identity attribute.
func IsReservedAttr(name string) bool {
	_, ok := reservedAttrs[name]
	return ok
}

// AttrType is the value type of an attribute.
type AttrType uint8

const (
	AttrString AttrType = iota + 1
	AttrUint8
	AttrUint16
	AttrUint32
	AttrUint64
	AttrBlob
)

// String returns the attribute type name.
func (t AttrType) String() string {
	switch t {
	case AttrString:
		return "string"
	case AttrUint8:
		return "uint8"
	case AttrUint16:
		return "uint16"
	case AttrUint32:
		return "uint32"
	case AttrUint64:
		return "uint64"
	case AttrBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// Attr is a named, typed value attached to a node. Attr values are
// immutable; the constructors copy any caller-owned memory.
type Attr struct {
	name string
	typ  AttrType
	str  string
	num  uint64
	blob []byte
}

// String creates a string attribute.
func String(name, v string) Attr { return Attr{name: name, typ: AttrString, str: v} }

// Uint8 creates an 8-bit integer attribute.
func Uint8(name string, v uint8) Attr { return Attr{name: name, typ: AttrUint8, num: uint64(v)} }

// Uint16 creates a 16-bit integer attribute.
func Uint16(name string, v uint16) Attr { return Attr{name: name, typ: AttrUint16, num: uint64(v)} }

// Uint32 creates a 32-bit integer attribute.
func Uint32(name string, v uint32) Attr { return Attr{name: name, typ: AttrUint32, num: uint64(v)} }

// Uint64 creates a 64-bit integer attribute.
func Uint64(name string, v uint64) Attr { return Attr{name: name, typ: AttrUint64, num: v} }

// Blob creates an opaque byte attribute.
func Blob(name string, v []byte) Attr {
	return Attr{name: name, typ: AttrBlob, blob: bytes.Clone(v)}
}

// Name returns the attribute name.
func (a Attr) Name() string { return a.name }

// Type returns the attribute type.
func (a Attr) Type() AttrType { return a.typ }

// StringValue returns the value of a string attribute.
func (a Attr) StringValue() string { return a.str }

// UintValue returns the value of any integer attribute widened to 64 bits.
func (a Attr) UintValue() uint64 { return a.num }

// BlobValue returns a copy of the value of a blob attribute.
func (a Attr) BlobValue() []byte { return bytes.Clone(a.blob) }

// Value returns the attribute value as an untyped Go value, for encoding.
func (a Attr) Value() any {
	switch a.typ {
	case AttrString:
		return a.str
	case AttrUint8:
		return uint8(a.num)
	case AttrUint16:
		return uint16(a.num)
	case AttrUint32:
		return uint32(a.num)
	case AttrUint64:
		return a.num
	case AttrBlob:
		return bytes.Clone(a.blob)
	default:
		return nil
	}
}

// Format renders the attribute as "name(type)=value".
func (a Attr) Format() string {
	switch a.typ {
	case AttrString:
		return fmt.Sprintf("%s(%s)=%q", a.name, a.typ, a.str)
	case AttrBlob:
		return fmt.Sprintf("%s(%s)=%x", a.name, a.typ, a.blob)
	default:
		return fmt.Sprintf("%s(%s)=%#x", a.name, a.typ, a.num)
	}
}

// CompareAttr orders attributes by name, then type, then value.
func CompareAttr(a, b Attr) int {
	if c := strings.Compare(a.name, b.name); c != 0 {
		return c
	}
	if c := cmp.Compare(a.typ, b.typ); c != 0 {
		return c
	}
	switch a.typ {
	case AttrString:
		return strings.Compare(a.str, b.str)
	case AttrBlob:
		return bytes.Compare(a.blob, b.blob)
	default:
		return cmp.Compare(a.num, b.num)
	}
}

// CompareAttrs orders two attribute sets independent of insertion order.
// It returns 0 when both sets hold exactly the same attributes.
func CompareAttrs(a, b []Attr) int {
	sa := slices.Clone(a)
	sb := slices.Clone(b)
	slices.SortStableFunc(sa, CompareAttr)
	slices.SortStableFunc(sb, CompareAttr)
	return slices.CompareFunc(sa, sb, CompareAttr)
}

// validateAttrs checks a registration attribute set for duplicate identity attributes.
func validateAttrs(attrs []Attr) error {
	seen := make(map[string]struct{}, len(attrs))
	for _, a := range attrs {
		if a.typ == 0 || a.name == "" {
			return fmt.Errorf("%w: missing name or type", ErrInvalidAttribute)
		}
		if !IsReservedAttr(a.name) {
			continue
		}
		if _, dup := seen[a.name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAttribute, a.name)
		}
		seen[a.name] = struct{}{}
	}
	return nil
}

// findAttr returns the first attribute with the given name and type.
func findAttr(attrs []Attr, name string, typ AttrType) (Attr, bool) {
	for _, a := range attrs {
		if a.name == name && a.typ == typ {
			return a, true
		}
	}
	return Attr{}, false
}
