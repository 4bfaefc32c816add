package parse

import (
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// RawBuffer is an uploaded file as received: immutable bytes plus the declared
// name/extension and the sniffed MIME type. The decoded text is computed once
// at construction and shared by every strategy.
type RawBuffer struct {
	name      string
	extension string
	mime      string
	data      []byte

	text      string
	encoding  Encoding
	decodeErr error
}

// NewRawBuffer copies data and sniffs its MIME type and text encoding.
// declaredMIME may be empty, in which case the sniffed type is used.
func NewRawBuffer(name string, data []byte, declaredMIME string) RawBuffer {
	owned := make([]byte, len(data))
	copy(owned, data)

	mime := declaredMIME
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(owned).String()
	}

	b := RawBuffer{
		name:      name,
		extension: strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")),
		mime:      mime,
		data:      owned,
	}
	b.text, b.encoding, b.decodeErr = Decode(owned)
	return b
}

// Name returns the declared file name.
func (b RawBuffer) Name() string { return b.name }

// Extension returns the lowercased file extension without the dot.
func (b RawBuffer) Extension() string { return b.extension }

// MIME returns the declared or sniffed MIME type.
func (b RawBuffer) MIME() string { return b.mime }

// Len returns the size of the raw buffer in bytes.
func (b RawBuffer) Len() int { return len(b.data) }

// Bytes returns a copy of the raw bytes.
func (b RawBuffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Text returns the decoded text (BOM removed, invalid UTF-8 replaced).
func (b RawBuffer) Text() string { return b.text }

// Encoding returns the encoding detected from the byte order mark.
func (b RawBuffer) Encoding() Encoding { return b.encoding }

// Blank reports whether the buffer holds only whitespace, NUL bytes, or nothing.
func (b RawBuffer) Blank() bool {
	return strings.TrimSpace(strings.ReplaceAll(b.text, "\x00", "")) == ""
}

// LooksBinary reports whether content sniffing found a non-text payload.
// Structured strategies refuse binary buffers; only dirty recovery tries them.
func (b RawBuffer) LooksBinary() bool {
	if b.decodeErr != nil {
		return true
	}
	for m := mimetype.Detect(b.data); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return true
}
