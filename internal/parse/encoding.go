package parse

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names the text encoding detected for a buffer.
type Encoding string

const (
	EncodingUTF8    Encoding = "utf-8"
	EncodingUTF16LE Encoding = "utf-16le"
	EncodingUTF16BE Encoding = "utf-16be"
	EncodingLatin1  Encoding = "windows-1252"
)

// DetectEncoding sniffs the byte order mark. Without a BOM the data is
// assumed to be UTF-8.
func DetectEncoding(data []byte) Encoding {
	switch {
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xFE:
		return EncodingUTF16LE
	case len(data) >= 2 && data[0] == 0xFE && data[1] == 0xFF:
		return EncodingUTF16BE
	default:
		return EncodingUTF8
	}
}

// Decode converts data to a UTF-8 string according to its BOM.
// UTF-16 input is transcoded. Invalid UTF-8 free of control bytes is read as
// Windows-1252 (spreadsheet exports); anything else has its BOM stripped and
// invalid sequences replaced.
func Decode(data []byte) (string, Encoding, error) {
	enc := DetectEncoding(data)
	if enc == EncodingUTF8 && looksLatin1(data) {
		enc = EncodingLatin1
	}

	var r io.Reader
	switch enc {
	case EncodingUTF16LE:
		r = transform.NewReader(bytes.NewReader(data), unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder())
	case EncodingUTF16BE:
		r = transform.NewReader(bytes.NewReader(data), unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM).NewDecoder())
	case EncodingLatin1:
		r = transform.NewReader(bytes.NewReader(data), charmap.Windows1252.NewDecoder())
	default:
		r = NewUTF8Sanitizer(NewBOMSkippingReader(bytes.NewReader(data)))
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return "", enc, fmt.Errorf("decode %s: %w", enc, err)
	}
	return string(out), enc, nil
}

// looksLatin1 reports whether data is not valid UTF-8 yet contains no control
// bytes other than tab, CR, and LF.
func looksLatin1(data []byte) bool {
	if utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b < 0x20 && b != '\t' && b != '\r' && b != '\n' {
			return false
		}
		if b == 0x7F {
			return false
		}
	}
	return true
}
