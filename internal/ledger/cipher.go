package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// DevelopmentKey is used when no ledger key is configured outside production.
const DevelopmentKey = "SUPER_SECRET_CITY_KEY_2024"

const tagSeparator = ":"

// XORCipher XORs data with a repeating key and encodes it as standard Base64.
// Encryption and decryption are the same keystream, so any key that produced a
// line reproduces its plaintext. It only obfuscates: a known plaintext reveals
// the key, and equal prefixes give equal ciphertext prefixes.
type XORCipher struct {
	key    []byte
	macKey []byte
}

// NewXORCipher builds a cipher. macKey is optional; when set, every line
// carries an HMAC-SHA256 tag over its plaintext.
func NewXORCipher(key, macKey string) (*XORCipher, error) {
	if key == "" {
		return nil, errors.New("ledger: empty cipher key")
	}
	c := &XORCipher{key: []byte(key)}
	if macKey != "" {
		c.macKey = []byte(macKey)
	}
	return c, nil
}

func (c *XORCipher) apply(src []byte) []byte {
	out := make([]byte, len(src))
	for i, b := range src {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}

// Seal turns a canonical record into one printable ledger line.
func (c *XORCipher) Seal(plaintext []byte) string {
	line := base64.StdEncoding.EncodeToString(c.apply(plaintext))
	if c.macKey != nil {
		line += tagSeparator + hex.EncodeToString(c.tag(plaintext))
	}
	return line
}

// Open reverses Seal. A line written with a tag is verified only when the
// cipher has a MAC key.
func (c *XORCipher) Open(line string) ([]byte, error) {
	body, tag, tagged := strings.Cut(strings.TrimSpace(line), tagSeparator)
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	plaintext := c.apply(raw)

	if c.macKey != nil {
		if !tagged {
			return nil, fmt.Errorf("%w: missing tag", ErrIntegrity)
		}
		want, err := hex.DecodeString(tag)
		if err != nil || !hmac.Equal(want, c.tag(plaintext)) {
			return nil, ErrIntegrity
		}
	}
	return plaintext, nil
}

func (c *XORCipher) tag(plaintext []byte) []byte {
	m := hmac.New(sha256.New, c.macKey)
	m.Write(plaintext)
	return m.Sum(nil)
}
