package elfsplice

import (
	"testing"
)

func TestELFMagicNumber(t *testing.T) {
	b := make([]byte, 64)
	b[0], b[1], b[2], b[3] = 0x7f, 'E', 'L', 'F'
	b[4], b[5] = 2, 1
	if _, _, err := DecodeEhdr(b); err != nil {
		t.Fatalf("expected valid magic to decode, got %v", err)
	}

	bad := make([]byte, 64)
	copy(bad, b)
	bad[1] = 'X'
	if _, _, err := DecodeEhdr(bad); err == nil {
		t.Fatal("expected missing ELF magic to error")
	}
}

func TestELFClassRoundTrip(t *testing.T) {
	for _, class := range []Class{Class32, Class64} {
		for _, order := range []Data{Data2LSB, Data2MSB} {
			id := Ident{Class: class, Data: order}
			e := Ehdr{
				Ident:     [16]byte{0x7f, 'E', 'L', 'F', byte(class), byte(order)},
				Type:      2,
				Machine:   0x3e,
				Version:   1,
				Entry:     0x401000,
				Phoff:     64,
				Shoff:     9000,
				Phnum:     7,
				Shnum:     30,
				Shstrndx:  29,
				Ehsize:    uint16(EhdrSize(class)),
				Phentsize: uint16(PhdrSize(class)),
				Shentsize: uint16(ShdrSize(class)),
			}
			b := EncodeEhdr(id, e)
			got, gotID, err := DecodeEhdr(b)
			if err != nil {
				t.Fatalf("class=%v order=%v: decode: %v", class, order, err)
			}
			if gotID != id {
				t.Fatalf("class=%v order=%v: ident mismatch: got %v", class, order, gotID)
			}
			if got != e {
				t.Fatalf("class=%v order=%v: round trip mismatch:\n got  %+v\n want %+v", class, order, got, e)
			}
		}
	}
}

func TestELFEndianness(t *testing.T) {
	id := Ident{Class: Class64, Data: Data2MSB}
	e := Ehdr{Type: 2, Machine: 0x3e, Version: 1, Entry: 0x1234}
	b := EncodeEhdr(id, e)
	// big-endian: Type (u16) at byte 16 should read high byte first
	if b[16] != 0 || b[17] != 2 {
		t.Fatalf("expected big-endian Type encoding, got %v", b[16:18])
	}
}

func TestUnsupportedClassRejected(t *testing.T) {
	b := make([]byte, 64)
	b[0], b[1], b[2], b[3] = 0x7f, 'E', 'L', 'F'
	b[4], b[5] = 3, 1 // invalid class
	if _, _, err := DecodeEhdr(b); err == nil {
		t.Fatal("expected unsupported class to error")
	}
}

func TestPhdrRoundTrip(t *testing.T) {
	for _, class := range []Class{Class32, Class64} {
		id := Ident{Class: class, Data: Data2LSB}
		p := Phdr{Type: PT_LOAD, Flags: PF_R | PF_X, Offset: 0x1000, Vaddr: 0x401000, Paddr: 0x401000, Filesz: 0x200, Memsz: 0x200, Align: 0x1000}
		got, err := DecodePhdr(id, EncodePhdr(id, p))
		if err != nil {
			t.Fatalf("class=%v: %v", class, err)
		}
		if got != p {
			t.Fatalf("class=%v: round trip mismatch: got %+v want %+v", class, got, p)
		}
	}
}

func TestSymRoundTrip(t *testing.T) {
	for _, class := range []Class{Class32, Class64} {
		id := Ident{Class: class, Data: Data2LSB}
		s := Sym{Name: 42, Info: (STB_GLOBAL << 4) | STT_FUNC, Other: 0, Shndx: 7, Value: 0x4010a0, Size: 16}
		got, err := DecodeSym(id, EncodeSym(id, s))
		if err != nil {
			t.Fatalf("class=%v: %v", class, err)
		}
		if got != s {
			t.Fatalf("class=%v: round trip mismatch: got %+v want %+v", class, got, s)
		}
		if got.Bind() != STB_GLOBAL || got.Type() != STT_FUNC {
			t.Fatalf("class=%v: bind/type unpack mismatch: bind=%d type=%d", class, got.Bind(), got.Type())
		}
	}
}

func TestRelInfoPacking(t *testing.T) {
	id64 := Ident{Class: Class64}
	info := PackInfo(id64, 0xabc, 7)
	if got := UnpackSym(id64, info); got != 0xabc {
		t.Fatalf("64-bit: sym mismatch: got %d", got)
	}
	if got := UnpackType(id64, info); got != 7 {
		t.Fatalf("64-bit: type mismatch: got %d", got)
	}

	id32 := Ident{Class: Class32}
	info32 := PackInfo(id32, 0x12, 3)
	if got := UnpackSym(id32, info32); got != 0x12 {
		t.Fatalf("32-bit: sym mismatch: got %d", got)
	}
	if got := UnpackType(id32, info32); got != 3 {
		t.Fatalf("32-bit: type mismatch: got %d", got)
	}
}

func TestRelaRoundTrip(t *testing.T) {
	id := Ident{Class: Class64, Data: Data2LSB}
	r := Rela{Offset: 0x403ff8, Info: PackInfo(id, 5, 1), Addend: -8}
	got, err := DecodeRela(id, EncodeRela(id, r))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if got != r {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, r)
	}
}

func TestVerneedVernauxFixedWidth(t *testing.T) {
	order := Data2LSB.Order()
	vn := Verneed{Version: 1, Cnt: 2, File: 10, Aux: 16, Next: 0}
	b := EncodeVerneed(order, vn)
	if len(b) != VerneedSize {
		t.Fatalf("expected %d bytes, got %d", VerneedSize, len(b))
	}
	got, err := DecodeVerneed(order, b)
	if err != nil {
		t.Fatalf("%v", err)
	}
	if got != vn {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, vn)
	}

	va := Vernaux{Hash: 0xdeadbeef, Flags: 0, Other: 3, Name: 20, Next: 16}
	gotVa, err := DecodeVernaux(order, EncodeVernaux(order, va))
	if err != nil {
		t.Fatalf("%v", err)
	}
	if gotVa != va {
		t.Fatalf("vernaux round trip mismatch: got %+v want %+v", gotVa, va)
	}
}

func TestDecodeEhdrTruncated(t *testing.T) {
	b := []byte{0x7f, 'E', 'L', 'F', 2, 1}
	if _, _, err := DecodeEhdr(b); err == nil {
		t.Fatal("expected truncated header to error")
	}
}
