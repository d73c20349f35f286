package webpush

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeys(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)

	assert.NotEmpty(t, keys.Private)
	assert.NoError(t, CheckPublicKey(keys.Public))
}

func TestResolveKeys_FromConfig(t *testing.T) {
	configured := VAPIDKeys{Public: "pub", Private: "priv"}

	keys, source, err := ResolveKeys(configured, filepath.Join(t.TempDir(), "vapid.json"), true)

	require.NoError(t, err)
	assert.Equal(t, SourceEnv, source)
	assert.Equal(t, configured, keys)
}

func TestResolveKeys_GenerateThenReuseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "vapid.json")

	generated, source, err := ResolveKeys(VAPIDKeys{}, path, true)
	require.NoError(t, err)
	assert.Equal(t, SourceGenerated, source)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, source, err := ResolveKeys(VAPIDKeys{}, path, true)
	require.NoError(t, err)
	assert.Equal(t, SourceFile, source)
	assert.Equal(t, generated, loaded)
}

func TestResolveKeys_ConfigOverridesFileField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"publicKey":"file-pub","privateKey":"file-priv"}`), 0600))

	keys, source, err := ResolveKeys(VAPIDKeys{Public: "env-pub"}, path, false)

	require.NoError(t, err)
	assert.Equal(t, SourceFile, source)
	assert.Equal(t, VAPIDKeys{Public: "env-pub", Private: "file-priv"}, keys)
}

func TestResolveKeys_NothingAndNoGenerate(t *testing.T) {
	keys, source, err := ResolveKeys(VAPIDKeys{}, filepath.Join(t.TempDir(), "vapid.json"), false)

	require.NoError(t, err)
	assert.Equal(t, SourceNone, source)
	assert.Equal(t, VAPIDKeys{}, keys)
}

func TestResolveKeys_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0600))

	_, _, err := ResolveKeys(VAPIDKeys{}, path, true)
	assert.Error(t, err)
}

func TestCheckPublicKey(t *testing.T) {
	good := make([]byte, 65)
	good[0] = 0x04
	wrongPrefix := make([]byte, 65)
	wrongPrefix[0] = 0x05

	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw url", base64.RawURLEncoding.EncodeToString(good), false},
		{"padded std", base64.StdEncoding.EncodeToString(good), false},
		{"too short", base64.RawURLEncoding.EncodeToString(good[:33]), true},
		{"compressed prefix", base64.RawURLEncoding.EncodeToString(wrongPrefix), true},
		{"not base64", "%%%", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPublicKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
