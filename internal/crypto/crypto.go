// Package crypto decrypts content produced by the LiveSync family of sync
// clients (octagonal-wheels encryption). Three wire formats coexist in the
// same vault because the client changed formats across versions; Decrypt
// dispatches on prefix and falls back in the documented order.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrDecrypt is wrapped by every decryption failure: unrecognised format,
// truncated data, bad base64/hex, or AEAD tag mismatch.
var ErrDecrypt = errors.New("decrypt failed")

const (
	// saltOfPassphrase is appended (not hashed) to the passphrase for path
	// and eden decryption, matching the sync client's key-widening scheme.
	saltOfPassphrase = "rHGMPtr6oWw7VSa3W3wpa8fT8U"

	// edenEncryptedKey marks an eden envelope inside a chunk document.
	edenEncryptedKey = "h:++encrypted"

	kdfIterations = 100000
	keyLen        = 32
)

// blob is an encrypted payload after wire-format parsing.
type blob struct {
	iv         []byte
	salt       []byte
	ciphertext []byte
}

// deriveKey computes the AES-256 key: SHA-256 of the passphrase, then
// PBKDF2-HMAC-SHA256 over that digest with the blob's salt.
func deriveKey(passphrase string, salt []byte) []byte {
	sum := sha256.Sum256([]byte(passphrase))
	return pbkdf2.Key(sum[:], salt, kdfIterations, keyLen, sha256.New)
}

// parseV2Block parses the "|%|" format: one base64 block holding a 32-byte
// IV, a 32-byte salt, and the ciphertext.
func parseV2Block(data string) (blob, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(data, "|%|"))
	if err != nil {
		return blob{}, fmt.Errorf("%w: base64: %v", ErrDecrypt, err)
	}
	if len(decoded) < 64 {
		return blob{}, fmt.Errorf("%w: data too short (%d bytes)", ErrDecrypt, len(decoded))
	}
	return blob{iv: decoded[:32], salt: decoded[32:64], ciphertext: decoded[64:]}, nil
}

// parseV1JSON parses the oldest format: a JSON array
// [ciphertext_b64, iv_b64, salt_b64].
func parseV1JSON(data string) (blob, error) {
	var parts []string
	if err := json.Unmarshal([]byte(data), &parts); err != nil {
		return blob{}, fmt.Errorf("%w: v1 json: %v", ErrDecrypt, err)
	}
	if len(parts) != 3 {
		return blob{}, fmt.Errorf("%w: v1 array has %d elements, want 3", ErrDecrypt, len(parts))
	}
	ct, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return blob{}, fmt.Errorf("%w: v1 ciphertext base64: %v", ErrDecrypt, err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return blob{}, fmt.Errorf("%w: v1 iv base64: %v", ErrDecrypt, err)
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return blob{}, fmt.Errorf("%w: v1 salt base64: %v", ErrDecrypt, err)
	}
	return blob{iv: iv, salt: salt, ciphertext: ct}, nil
}

// parsePercentHex parses the "%" format: 32 hex chars IV (16 bytes), 32 hex
// chars salt (16 bytes), base64 ciphertext. A failed base64 segment triggers
// one re-attempt as the v1 JSON format before giving up.
func parsePercentHex(data string) (blob, error) {
	if len(data) < 1+32+32+1 {
		return blob{}, fmt.Errorf("%w: %%-prefixed data too short", ErrDecrypt)
	}
	iv, err := hex.DecodeString(data[1:33])
	if err != nil {
		return blob{}, fmt.Errorf("%w: iv hex: %v", ErrDecrypt, err)
	}
	salt, err := hex.DecodeString(data[33:65])
	if err != nil {
		return blob{}, fmt.Errorf("%w: salt hex: %v", ErrDecrypt, err)
	}
	ct, err := base64.StdEncoding.DecodeString(data[65:])
	if err != nil {
		if b, v1Err := parseV1JSON(data); v1Err == nil {
			return b, nil
		}
		return blob{}, fmt.Errorf("%w: ciphertext base64: %v", ErrDecrypt, err)
	}
	return blob{iv: iv, salt: salt, ciphertext: ct}, nil
}

func parse(data string) (blob, error) {
	switch {
	case strings.HasPrefix(data, "|%|"):
		return parseV2Block(data)
	case strings.HasPrefix(data, "%"):
		return parsePercentHex(data)
	default:
		return parseV1JSON(data)
	}
}

// Decrypt decrypts one encrypted blob with the given passphrase. The IV is
// used as the AES-GCM nonce at its full parsed length, matching WebCrypto's
// handling of non-96-bit IVs.
func Decrypt(data, passphrase string) (string, error) {
	b, err := parse(data)
	if err != nil {
		return "", err
	}
	if len(b.iv) == 0 {
		return "", fmt.Errorf("%w: empty iv", ErrDecrypt)
	}

	block, err := aes.NewCipher(deriveKey(passphrase, b.salt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(b.iv))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := gcm.Open(nil, b.iv, b.ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// TryDecrypt is Decrypt with failure mapped to ok=false. Callers use it
// wherever partial vault readability is acceptable.
func TryDecrypt(data, passphrase string) (string, bool) {
	s, err := Decrypt(data, passphrase)
	if err != nil {
		return "", false
	}
	return s, true
}

// IsProbablyObfuscated reports whether a stored path looks encrypted rather
// than plaintext.
func IsProbablyObfuscated(path string) bool {
	return strings.HasPrefix(path, "%") || strings.HasPrefix(path, "[")
}

// LooksEncrypted reports whether content matches any encrypted-blob prefix.
// Content without such a prefix is plaintext and must pass through raw.
func LooksEncrypted(s string) bool {
	return strings.HasPrefix(s, "|%|") || strings.HasPrefix(s, "[") || strings.HasPrefix(s, "%")
}

// DecryptPath decrypts an obfuscated path. Paths that do not look obfuscated
// are returned unchanged.
func DecryptPath(path, passphrase string) (string, error) {
	if !IsProbablyObfuscated(path) {
		return path, nil
	}
	return Decrypt(path, passphrase+saltOfPassphrase)
}

// DecryptEden unwraps the per-chunk eden envelope. The decrypted payload is
// itself JSON and is re-parsed; envelopes without the encrypted key are
// returned as-is.
func DecryptEden(eden map[string]json.RawMessage, passphrase string) (map[string]json.RawMessage, error) {
	raw, ok := eden[edenEncryptedKey]
	if !ok {
		return eden, nil
	}
	var envelope struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: eden envelope: %v", ErrDecrypt, err)
	}
	plain, err := Decrypt(envelope.Data, passphrase+saltOfPassphrase)
	if err != nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal([]byte(plain), &out); err != nil {
		return nil, fmt.Errorf("%w: eden payload is not json: %v", ErrDecrypt, err)
	}
	return out, nil
}

// HasEdenEnvelope reports whether an eden map carries the encrypted payload.
func HasEdenEnvelope(eden map[string]json.RawMessage) bool {
	_, ok := eden[edenEncryptedKey]
	return ok
}
