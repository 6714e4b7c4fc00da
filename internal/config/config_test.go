package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedKeys(t *testing.T) {
	cfg, err := Load(strings.NewReader(`{"flag_regex": "[A-Z0-9]{31}="}`))
	require.NoError(t, err)

	assert.Equal(t, "[A-Z0-9]{31}=", cfg.FlagRegex)
	assert.Equal(t, 64*1024, cfg.MaxChunkBytes, "omitted key keeps the documented default")
	assert.Equal(t, "127.0.0.1", cfg.ServerAddress)
}

func TestValidateRejectsShortFlagRegex(t *testing.T) {
	cfg := Defaults()
	cfg.FlagRegex = "short"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnparsableServerAddress(t *testing.T) {
	cfg := Defaults()
	cfg.FlagRegex = "[A-Z0-9]{31}="
	cfg.ServerAddress = "127.0.0.1:3333"
	assert.Error(t, cfg.Validate(), "a combined host:port string is not a parseable IP")
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.FlagRegex = "[A-Z0-9]{31}="
	assert.NoError(t, cfg.Validate())
}

func TestListenAddressCombinesAddressAndPort(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "127.0.0.1:3333", cfg.ListenAddress())
}

func TestValidatePortRange(t *testing.T) {
	assert.NoError(t, ValidatePort(1))
	assert.NoError(t, ValidatePort(65535))
	assert.Error(t, ValidatePort(0))
	assert.Error(t, ValidatePort(65536))
}

func TestValidateColor(t *testing.T) {
	assert.NoError(t, ValidateColor("#fff"))
	assert.NoError(t, ValidateColor("#a1b2c3"))
	assert.Error(t, ValidateColor("fff"))
	assert.Error(t, ValidateColor("#ggg"))
}
