package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFallsBackToDefaultForUnknownValue(t *testing.T) {
	assert.Equal(t, Default, Parse("not-a-format"))
	assert.Equal(t, Hex, Parse("HEX"))
}

func TestDecodeHex(t *testing.T) {
	assert.Equal(t, "68656c6c6f", Decode(Hex, []byte("hello")))
}

func TestDecodeBase64(t *testing.T) {
	assert.Equal(t, "aGVsbG8=", Decode(Base64, []byte("hello")))
}

func TestDecodeDefaultEscapesNonPrintable(t *testing.T) {
	assert.Equal(t, "a\\x00b", Decode(Default, []byte{'a', 0x00, 'b'}))
}

func TestDecodeASCIIReplacesNonPrintableWithDot(t *testing.T) {
	assert.Equal(t, "a.b", Decode(ASCII, []byte{'a', 0x00, 'b'}))
}
