package wgkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndDerive(t *testing.T) {
	priv, pub, err := Generate()
	require.NoError(t, err)
	assert.Len(t, priv, EncodedLen)
	assert.Len(t, pub, EncodedLen)
	assert.NotEqual(t, priv, pub)

	derived, err := Public(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, derived)
}

func TestValidate(t *testing.T) {
	_, pub, err := Generate()
	require.NoError(t, err)
	require.NoError(t, Validate(pub))

	assert.Error(t, Validate("too-short"))
	assert.Error(t, Validate("!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!")) // 44 chars, not base64
}

func TestGeneratePSK(t *testing.T) {
	psk, err := GeneratePSK()
	require.NoError(t, err)
	assert.Len(t, psk, EncodedLen)
}

func TestRedact(t *testing.T) {
	_, pub, err := Generate()
	require.NoError(t, err)
	r := Redact(pub)
	assert.Len(t, r, 8+len("…"))
	assert.NotContains(t, r, pub[10:])
	assert.Equal(t, "…", Redact("short"))
}
