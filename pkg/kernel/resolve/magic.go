package resolve

import "bytes"

type sigPart struct {
	offset int
	magic  []byte
}

type signature struct {
	kind   Kind
	format string
	parts  []sigPart
}

// magicTable is checked in order; the first matching signature wins. The
// order is a priority list, not sorted by specificity.
var magicTable = []signature{
	{kind: KindBinary, format: "application/wasm", parts: []sigPart{{0, []byte("\x00asm")}}},
	{kind: KindView, format: "image/png", parts: []sigPart{{0, []byte("\x89PNG\r\n\x1a\n")}}},
	{kind: KindView, format: "image/jpeg", parts: []sigPart{{0, []byte{0xff, 0xd8, 0xff}}}},
	{kind: KindView, format: "image/gif", parts: []sigPart{{0, []byte("GIF8")}}},
	{kind: KindView, format: "image/webp", parts: []sigPart{{0, []byte("RIFF")}, {8, []byte("WEBP")}}},
	{kind: KindView, format: "audio/wav", parts: []sigPart{{0, []byte("RIFF")}, {8, []byte("WAVE")}}},
	{kind: KindView, format: "video/avi", parts: []sigPart{{0, []byte("RIFF")}, {8, []byte("AVI ")}}},
	{kind: KindView, format: "audio/ogg", parts: []sigPart{{0, []byte("OggS")}}},
	{kind: KindView, format: "audio/mpeg", parts: []sigPart{{0, []byte("ID3")}}},
	{kind: KindView, format: "application/pdf", parts: []sigPart{{0, []byte("%PDF")}}},
	{kind: KindView, format: "application/zip", parts: []sigPart{{0, []byte("PK\x03\x04")}}},
	{kind: KindView, format: "application/zip", parts: []sigPart{{0, []byte("PK\x05\x06")}}},
	{kind: KindView, format: "video/mp4", parts: []sigPart{{4, []byte("ftyp")}}},
	{kind: KindView, format: "application/x-executable", parts: []sigPart{{0, []byte{0x7f, 'E', 'L', 'F'}}}},
}

func matchMagic(header []byte) (Type, bool) {
	for _, sig := range magicTable {
		matched := true

		for _, part := range sig.parts {
			end := part.offset + len(part.magic)
			if end > len(header) || !bytes.Equal(header[part.offset:end], part.magic) {
				matched = false
				break
			}
		}

		if matched {
			return Type{Kind: sig.kind, Format: sig.format}, true
		}
	}

	return Type{}, false
}
