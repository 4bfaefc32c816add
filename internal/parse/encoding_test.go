package parse

import (
	"testing"
)

func utf16LE(s string, bom bool) []byte {
	var out []byte
	if bom {
		out = append(out, 0xFF, 0xFE)
	}
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func utf16BE(s string) []byte {
	out := []byte{0xFE, 0xFF}
	for _, r := range s {
		out = append(out, byte(r>>8), byte(r))
	}
	return out
}

func TestDetectEncoding(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  Encoding
	}{
		{"utf-16 little endian BOM", []byte{0xFF, 0xFE, 'a', 0}, EncodingUTF16LE},
		{"utf-16 big endian BOM", []byte{0xFE, 0xFF, 0, 'a'}, EncodingUTF16BE},
		{"utf-8 BOM", []byte{0xEF, 0xBB, 0xBF, 'a'}, EncodingUTF8},
		{"no BOM", []byte("a,b"), EncodingUTF8},
		{"empty", nil, EncodingUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectEncoding(tt.input); got != tt.want {
				t.Errorf("DetectEncoding() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		wantText string
		wantEnc  Encoding
	}{
		{
			name:     "utf-16le",
			input:    utf16LE("sku,qty\nA1,3\n", true),
			wantText: "sku,qty\nA1,3\n",
			wantEnc:  EncodingUTF16LE,
		},
		{
			name:     "utf-16be",
			input:    utf16BE("sku;qty\n"),
			wantText: "sku;qty\n",
			wantEnc:  EncodingUTF16BE,
		},
		{
			name:     "utf-8 BOM stripped",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, "name,code"...),
			wantText: "name,code",
			wantEnc:  EncodingUTF8,
		},
		{
			name:     "windows-1252 export",
			input:    []byte("name\nCaf\xe9\n"),
			wantText: "name\nCafé\n",
			wantEnc:  EncodingLatin1,
		},
		{
			name:     "invalid bytes next to control bytes are sanitized",
			input:    []byte("a\x01\x80b"),
			wantText: "a\x01?b",
			wantEnc:  EncodingUTF8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, enc, err := Decode(tt.input)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if text != tt.wantText {
				t.Errorf("Decode() text = %q, want %q", text, tt.wantText)
			}
			if enc != tt.wantEnc {
				t.Errorf("Decode() encoding = %q, want %q", enc, tt.wantEnc)
			}
		})
	}
}

func TestRawBuffer(t *testing.T) {
	data := []byte("sku,name\nA1,Widget\n")
	buf := NewRawBuffer("Products.CSV", data, "")

	data[0] = 'X'
	if buf.Text()[0] != 's' {
		t.Error("RawBuffer must not alias the caller's slice")
	}
	if buf.Extension() != "csv" {
		t.Errorf("Extension() = %q, want %q", buf.Extension(), "csv")
	}
	if buf.LooksBinary() {
		t.Error("LooksBinary() = true for plain CSV")
	}
	if buf.Blank() {
		t.Error("Blank() = true for non-empty CSV")
	}

	if !NewRawBuffer("empty.csv", []byte(" \n\t\n  "), "text/csv").Blank() {
		t.Error("Blank() = false for whitespace-only buffer")
	}
}
