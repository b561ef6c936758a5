package device

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestCompareAttr(t *testing.T) {
	tests := []struct {
		name string
		a, b Attr
		want int
	}{
		{"equal strings", String("x", "a"), String("x", "a"), 0},
		{"name orders first", String("a", "z"), String("b", "a"), -1},
		{"type orders second", Uint8("x", 9), Uint16("x", 1), -1},
		{"value orders last", Uint32("x", 2), Uint32("x", 1), 1},
		{"blob bytes", Blob("x", []byte{1, 2}), Blob("x", []byte{1, 3}), -1},
		{"string vs blob same name", String("x", "a"), Blob("x", []byte("a")), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareAttr(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareAttr() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCompareAttrsIgnoresOrder(t *testing.T) {
	a := []Attr{String(AttrUniqueID, "w1"), Uint64("mmio base", 0x1000), String(AttrCompatible, "widget-a")}
	b := []Attr{String(AttrCompatible, "widget-a"), String(AttrUniqueID, "w1"), Uint64("mmio base", 0x1000)}
	if got := CompareAttrs(a, b); got != 0 {
		t.Errorf("CompareAttrs() = %d, want 0", got)
	}

	c := append(b, String(AttrCompatible, "widget-b"))
	if got := CompareAttrs(a, c); got == 0 {
		t.Error("CompareAttrs() = 0 for sets of different size")
	}
	if CompareAttrs(a, c) != -CompareAttrs(c, a) {
		t.Error("CompareAttrs() is not antisymmetric")
	}
}

func TestBlobIsCopied(t *testing.T) {
	raw := []byte{1, 2, 3}
	a := Blob("fw", raw)
	raw[0] = 9
	if got := a.BlobValue(); got[0] != 1 {
		t.Errorf("Blob() kept caller memory, got %v", got)
	}
	v := a.BlobValue()
	v[1] = 9
	if got := a.BlobValue(); got[1] != 2 {
		t.Errorf("BlobValue() exposed internal memory, got %v", got)
	}
}

func TestValidateAttrs(t *testing.T) {
	tests := []struct {
		name    string
		attrs   []Attr
		wantErr error
	}{
		{"empty", nil, nil},
		{"repeatable names", []Attr{String(AttrCompatible, "a"), String(AttrCompatible, "b")}, nil},
		{"duplicate reserved", []Attr{String(AttrBus, "pci"), String(AttrBus, "usb")}, ErrDuplicateAttribute},
		{"missing type", []Attr{{name: "x"}}, ErrInvalidAttribute},
		{"missing name", []Attr{String("", "x")}, ErrInvalidAttribute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAttrs(tt.attrs)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("validateAttrs() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNodeAttributeAccess(t *testing.T) {
	m := newTestManager(t, nil, nil)
	n, err := m.Register(context.Background(), nil, "virtual/bus", []Attr{
		String(AttrBus, "virtual"),
		String(AttrPrettyName, "Virtual Bus"),
		Uint8("rev", 3),
		Uint16("vendor", 0x1af4),
		Uint32("class", 0x020000),
		Uint64("mmio base", 0xfe000000),
		Blob("fw", []byte{0xde, 0xad}),
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if v, err := n.AttrString(AttrBus); err != nil || v != "virtual" {
		t.Errorf("AttrString() = %q, %v", v, err)
	}
	if v, err := n.AttrUint8("rev"); err != nil || v != 3 {
		t.Errorf("AttrUint8() = %d, %v", v, err)
	}
	if v, err := n.AttrUint16("vendor"); err != nil || v != 0x1af4 {
		t.Errorf("AttrUint16() = %#x, %v", v, err)
	}
	if v, err := n.AttrUint32("class"); err != nil || v != 0x020000 {
		t.Errorf("AttrUint32() = %#x, %v", v, err)
	}
	if v, err := n.AttrUint64("mmio base"); err != nil || v != 0xfe000000 {
		t.Errorf("AttrUint64() = %#x, %v", v, err)
	}
	if v, err := n.AttrBlob("fw"); err != nil || len(v) != 2 {
		t.Errorf("AttrBlob() = %x, %v", v, err)
	}

	t.Run("wrong type is not found", func(t *testing.T) {
		if _, err := n.AttrUint32("rev"); !errors.Is(err, ErrNotFound) {
			t.Errorf("AttrUint32(rev) error = %v, want ErrNotFound", err)
		}
	})
	t.Run("missing name", func(t *testing.T) {
		if _, err := n.AttrString("nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("AttrString(nope) error = %v, want ErrNotFound", err)
		}
	})
}

func TestAttachAttr(t *testing.T) {
	m := newTestManager(t, nil, nil)
	n, err := m.Register(context.Background(), nil, "", []Attr{String(AttrBus, "virtual")})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if err := m.AttachAttr(n, String(AttrCompatible, "a")); err != nil {
		t.Fatalf("AttachAttr() error = %v", err)
	}
	if err := m.AttachAttr(n, String(AttrCompatible, "b")); err != nil {
		t.Fatalf("AttachAttr() repeat error = %v", err)
	}
	if err := m.AttachAttr(n, String(AttrBus, "pci")); !errors.Is(err, ErrDuplicateAttribute) {
		t.Errorf("AttachAttr(reserved) error = %v, want ErrDuplicateAttribute", err)
	}
	if got := len(n.FindAll(AttrCompatible)); got != 2 {
		t.Errorf("FindAll() = %d attrs, want 2", got)
	}
	if n.CompareIdentity([]Attr{String(AttrBus, "virtual")}) != 0 {
		t.Error("CompareIdentity() changed after attach")
	}
}

func TestAttributeReadsDuringAttach(t *testing.T) {
	m := newTestManager(t, nil, nil)
	n, err := m.Register(context.Background(), nil, "", []Attr{String(AttrBus, "virtual")})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			_ = m.AttachAttr(n, Uint32("seq", uint32(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			if _, err := n.AttrString(AttrBus); err != nil {
				t.Errorf("AttrString() during attach error = %v", err)
				return
			}
			_ = n.Attrs()
		}
	}()
	wg.Wait()

	if got := len(n.FindAll("seq")); got != 200 {
		t.Errorf("FindAll(seq) = %d, want 200", got)
	}
}
