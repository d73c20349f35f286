package webpush

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	webpushlib "github.com/SherClockHolmes/webpush-go"
)

type VAPIDKeys struct {
	Public  string `json:"publicKey"`
	Private string `json:"privateKey"`
}

// KeySource describes where ResolveKeys found the keys.
type KeySource string

const (
	SourceEnv       KeySource = "env"
	SourceFile      KeySource = "file"
	SourceGenerated KeySource = "generated"
	SourceNone      KeySource = "none"
)

// GenerateKeys creates a fresh P-256 VAPID key pair.
func GenerateKeys() (VAPIDKeys, error) {
	priv, pub, err := webpushlib.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	return VAPIDKeys{Public: pub, Private: priv}, nil
}

// ResolveKeys uses the configured keys when both are set, otherwise the key
// file, otherwise generates a pair and writes it to the file when generate is
// true. With generate false and nothing found it returns empty keys and
// SourceNone so the caller can run degraded.
func ResolveKeys(configured VAPIDKeys, path string, generate bool) (VAPIDKeys, KeySource, error) {
	if configured.Public != "" && configured.Private != "" {
		return configured, SourceEnv, nil
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fromFile VAPIDKeys
			if err := json.Unmarshal(data, &fromFile); err != nil {
				return VAPIDKeys{}, SourceNone, fmt.Errorf("parse %s: %w", path, err)
			}
			// values set in the environment win over the file, field by field
			if configured.Public != "" {
				fromFile.Public = configured.Public
			}
			if configured.Private != "" {
				fromFile.Private = configured.Private
			}
			if fromFile.Public != "" && fromFile.Private != "" {
				slog.Info("Loaded VAPID keys", "file", path)
				return fromFile, SourceFile, nil
			}
		case !errors.Is(err, os.ErrNotExist):
			return VAPIDKeys{}, SourceNone, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if !generate {
		return VAPIDKeys{}, SourceNone, nil
	}

	keys, err := GenerateKeys()
	if err != nil {
		return VAPIDKeys{}, SourceNone, err
	}
	if path != "" {
		if err := saveKeys(path, keys); err != nil {
			return VAPIDKeys{}, SourceNone, err
		}
	}
	slog.Info("Generated new VAPID keys", "file", path)
	return keys, SourceGenerated, nil
}

func saveKeys(path string, keys VAPIDKeys) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vapid keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create vapid key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write vapid keys: %w", err)
	}
	return nil
}

// CheckPublicKey verifies that key decodes to an uncompressed P-256 point:
// 65 bytes starting with 0x04.
func CheckPublicKey(key string) error {
	raw, err := decodeKey(key)
	if err != nil {
		return fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != 65 {
		return fmt.Errorf("public key is %d bytes, want 65", len(raw))
	}
	if raw[0] != 0x04 {
		return fmt.Errorf("public key starts with 0x%02x, want 0x04", raw[0])
	}
	return nil
}

func decodeKey(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "=")); err == nil {
		return raw, nil
	}
	return base64.StdEncoding.DecodeString(key)
}
