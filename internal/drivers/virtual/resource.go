package virtual

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/gray-logic-devmgr/internal/device"
	"github.com/nerrad567/gray-logic-devmgr/internal/infrastructure/config"
)

// ResourceSpec is one range a virtual device decodes.
type ResourceSpec struct {
	Kind   device.ResourceKind
	Space  uint32
	Base   uint64
	Length uint64
}

// ParseResource parses a description in "kind[space]:base+length" format.
// Numbers accept Go literal prefixes, so "0x1000" and "4096" are equal.
// The "[space]" part may be omitted for space 0.
//
// Example:
//
//	spec, err := ParseResource("memory[0]:0x1000+0x100")
func ParseResource(s string) (ResourceSpec, error) {
	head, span, ok := strings.Cut(s, ":")
	if !ok {
		return ResourceSpec{}, fmt.Errorf("%w: expected kind[space]:base+length, got %q", ErrInvalidResource, s)
	}

	kindName, space := head, uint64(0)
	if i := strings.IndexByte(head, '['); i >= 0 {
		if !strings.HasSuffix(head, "]") {
			return ResourceSpec{}, fmt.Errorf("%w: unterminated space in %q", ErrInvalidResource, s)
		}
		var err error
		space, err = strconv.ParseUint(head[i+1:len(head)-1], 0, 32)
		if err != nil {
			return ResourceSpec{}, fmt.Errorf("%w: space in %q", ErrInvalidResource, s)
		}
		kindName = head[:i]
	}
	kind, ok := device.ParseResourceKind(kindName)
	if !ok {
		return ResourceSpec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, kindName)
	}

	baseStr, lenStr, ok := strings.Cut(span, "+")
	if !ok {
		return ResourceSpec{}, fmt.Errorf("%w: expected base+length, got %q", ErrInvalidResource, span)
	}
	base, err := strconv.ParseUint(baseStr, 0, 64)
	if err != nil {
		return ResourceSpec{}, fmt.Errorf("%w: base %q", ErrInvalidResource, baseStr)
	}
	length, err := strconv.ParseUint(lenStr, 0, 64)
	if err != nil {
		return ResourceSpec{}, fmt.Errorf("%w: length %q", ErrInvalidResource, lenStr)
	}

	return ResourceSpec{Kind: kind, Space: uint32(space), Base: base, Length: length}, nil
}

// String returns the description in the format ParseResource accepts.
func (r ResourceSpec) String() string {
	return fmt.Sprintf("%s[%d]:%#x+%#x", r.Kind, r.Space, r.Base, r.Length)
}

// specFromConfig converts a validated config resource.
func specFromConfig(rc config.VirtualResourceConfig) (ResourceSpec, error) {
	kind, ok := device.ParseResourceKind(strings.ToLower(rc.Kind))
	if !ok {
		return ResourceSpec{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidResource, rc.Kind)
	}
	length := rc.Length
	if kind == device.ResourceIRQ && length == 0 {
		length = 1
	}
	return ResourceSpec{Kind: kind, Space: rc.Space, Base: rc.Base, Length: length}, nil
}
