package address

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seedByte byte) Address {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, ed25519.SeedSize)
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	a, err := FromPublicKey(pub)
	require.NoError(t, err)
	return a
}

func TestParse_RoundTrip(t *testing.T) {
	a := testKey(t, 7)

	parsed, err := Parse(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}

func TestParse_SystemProgram(t *testing.T) {
	a, err := Parse("11111111111111111111111111111111")
	require.NoError(t, err)
	assert.True(t, a.IsZero())
	assert.Equal(t, "11111111111111111111111111111111", Zero.String())
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"bad alphabet", "0OIl0OIl"},
		{"too short", "abc"},
		{"too long", "So11111111111111111111111111111111111111111111111112"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("Parse(%q) error = %v, want ErrInvalidAddress", tt.input, err)
			}
		})
	}
}

func TestFromPublicKey_WrongLength(t *testing.T) {
	_, err := FromPublicKey(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestIsOnCurve_PublicKey(t *testing.T) {
	for i := byte(1); i < 10; i++ {
		assert.True(t, testKey(t, i).IsOnCurve(), "ed25519 key %d should be on curve", i)
	}
}

func TestDerive_OffCurveAndDeterministic(t *testing.T) {
	base := testKey(t, 3)
	seeds := [][]byte{[]byte("treasury")}

	derived, bump, err := Derive(seeds, base)
	require.NoError(t, err)
	assert.False(t, derived.IsOnCurve())
	assert.NotZero(t, bump)

	again, againBump, err := Derive(seeds, base)
	require.NoError(t, err)
	assert.Equal(t, derived, again)
	assert.Equal(t, bump, againBump)

	other, _, err := Derive([][]byte{[]byte("escrow")}, base)
	require.NoError(t, err)
	assert.NotEqual(t, derived, other)
}

func TestAddress_JSON(t *testing.T) {
	a := testKey(t, 9)

	type wrapper struct {
		Account Address `json:"account"`
	}

	data, err := json.Marshal(wrapper{Account: a})
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":"`+a.String()+`"}`, string(data))

	var decoded wrapper
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, a, decoded.Account)

	err = json.Unmarshal([]byte(`{"account":"nope"}`), &decoded)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestMustParse_Panics(t *testing.T) {
	assert.Panics(t, func() { MustParse("not-an-address") })
}
