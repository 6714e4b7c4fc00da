// Package format implements the byte-format decoder named by the Stream
// Reader's `format` query parameter (spec §4.8). It is listed as an
// external interface in spec.md, but the Stream Reader needs a concrete
// implementation to call, so this is a thin adapter over stdlib encoding
// packages — no pack example imports a dedicated formatting library for
// this, and there is no domain logic here worth one (see DESIGN.md).
package format

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Name identifies a recognized format.
type Name string

const (
	Default Name = "default"
	Hex     Name = "hex"
	Hexdump Name = "hexdump"
	Base32  Name = "base32"
	Base64  Name = "base64"
	ASCII   Name = "ascii"
	Binary  Name = "binary"
	Decimal Name = "decimal"
	Octal   Name = "octal"
)

// Parse normalizes a format query value, falling back to Default for any
// unrecognized value per spec §4.8.
func Parse(s string) Name {
	switch Name(strings.ToLower(s)) {
	case Hex, Hexdump, Base32, Base64, ASCII, Binary, Decimal, Octal:
		return Name(strings.ToLower(s))
	default:
		return Default
	}
}

// Decode renders data as a display string in the named format.
func Decode(name Name, data []byte) string {
	switch name {
	case Hex:
		return hex.EncodeToString(data)
	case Hexdump:
		return hexdump(data)
	case Base32:
		return base32.StdEncoding.EncodeToString(data)
	case Base64:
		return base64.StdEncoding.EncodeToString(data)
	case ASCII:
		return asciiOnly(data)
	case Binary:
		return binaryString(data)
	case Decimal:
		return numericString(data, 10)
	case Octal:
		return numericString(data, 8)
	default:
		return defaultEscape(data)
	}
}

// defaultEscape passes UTF-8-ish bytes through, escaping non-printables as
// \xNN, matching the "default" format of spec §4.8.
func defaultEscape(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		if c == '\n' || c == '\r' || c == '\t' || (c >= 0x20 && c < 0x7f) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "\\x%02x", c)
		}
	}
	return b.String()
}

func asciiOnly(data []byte) string {
	var b strings.Builder
	for _, c := range data {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

func binaryString(data []byte) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%08b", c)
	}
	return b.String()
}

func numericString(data []byte, base int) string {
	var b strings.Builder
	for i, c := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch base {
		case 8:
			fmt.Fprintf(&b, "%03o", c)
		default:
			fmt.Fprintf(&b, "%d", c)
		}
	}
	return b.String()
}

// hexdump renders a classic 16-byte-per-line offset/hex/ascii dump.
func hexdump(data []byte) string {
	var b strings.Builder
	for offset := 0; offset < len(data); offset += 16 {
		end := offset + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[offset:end]
		fmt.Fprintf(&b, "%08x  ", offset)
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(&b, "%02x ", line[i])
			} else {
				b.WriteString("   ")
			}
			if i == 7 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		b.WriteString(asciiOnly(line))
		b.WriteString("|\n")
	}
	return b.String()
}
