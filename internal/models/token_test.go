package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	plaintext, prefix, hash, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, prefix, TokenPrefixLength)
	assert.True(t, strings.HasPrefix(plaintext, prefix+"."))
	assert.Equal(t, HashToken(plaintext), hash)

	// Secrets must differ between calls.
	plaintext2, prefix2, _, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, plaintext2)
	assert.NotEqual(t, prefix, prefix2)
}

func TestSplitToken(t *testing.T) {
	tests := []struct {
		name       string
		plaintext  string
		wantPrefix string
		wantOK     bool
	}{
		{
			name:       "well formed",
			plaintext:  "abcDEF123456.deadbeefcafe",
			wantPrefix: "abcDEF123456",
			wantOK:     true,
		},
		{
			name:      "missing separator",
			plaintext: "abcDEF123456deadbeef",
			wantOK:    false,
		},
		{
			name:      "prefix wrong length",
			plaintext: "short.secret",
			wantOK:    false,
		},
		{
			name:      "empty secret",
			plaintext: "abcDEF123456.",
			wantOK:    false,
		},
		{
			name:      "empty string",
			plaintext: "",
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, ok := SplitToken(tt.plaintext)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPrefix, prefix)
			}
		})
	}
}

func TestTokenIsValid(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		token IngestionToken
		want  bool
	}{
		{name: "active", token: IngestionToken{}, want: true},
		{name: "revoked", token: IngestionToken{RevokedAt: &past}, want: false},
		{name: "expired", token: IngestionToken{ExpiresAt: &past}, want: false},
		{name: "not yet expired", token: IngestionToken{ExpiresAt: &future}, want: true},
		{name: "revoked and unexpired", token: IngestionToken{RevokedAt: &past, ExpiresAt: &future}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.IsValid())
		})
	}
}

func TestTokenIPAllowed(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		ip        string
		want      bool
	}{
		{name: "empty allowlist admits all", allowlist: nil, ip: "203.0.113.9", want: true},
		{name: "listed ip", allowlist: []string{"10.0.0.5", "203.0.113.9"}, ip: "203.0.113.9", want: true},
		{name: "unlisted ip", allowlist: []string{"10.0.0.5"}, ip: "203.0.113.9", want: false},
		{name: "empty client ip", allowlist: []string{"10.0.0.5"}, ip: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := IngestionToken{IPAllowlist: tt.allowlist}
			assert.Equal(t, tt.want, token.IPAllowed(tt.ip))
		})
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc.def"), HashToken("abc.def"))
	assert.NotEqual(t, HashToken("abc.def"), HashToken("abc.deg"))
	assert.Len(t, HashToken("anything"), 64)
}

func TestHashIdentityValueDeterministic(t *testing.T) {
	assert.Equal(t, HashIdentityValue("user-1"), HashIdentityValue("user-1"))
	assert.NotEqual(t, HashIdentityValue("user-1"), HashIdentityValue("user-2"))
	assert.Len(t, HashIdentityValue("user-1"), 64)
}
