// Package crypto seals message content at rest.
package crypto

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Prefix marks sealed values. Values without it are stored in the clear.
const Prefix = "age:"

// Cipher encrypts content before it is stored and decrypts it on read.
type Cipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// NopCipher stores content unchanged.
type NopCipher struct{}

func (NopCipher) Seal(plaintext string) (string, error) { return plaintext, nil }
func (NopCipher) Open(stored string) (string, error)    { return stored, nil }

// AgeCipher seals content to an X25519 recipient.
type AgeCipher struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

func NewAgeCipher(identity *age.X25519Identity) *AgeCipher {
	return &AgeCipher{identity: identity, recipient: identity.Recipient()}
}

// ParseAgeCipher builds a cipher from an AGE-SECRET-KEY-1... string.
func ParseAgeCipher(secretKey string) (*AgeCipher, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return NewAgeCipher(identity), nil
}

// LoadAgeCipher reads the first X25519 identity from an age key file.
func LoadAgeCipher(path string) (*AgeCipher, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening age identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing age identity file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return NewAgeCipher(x), nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// New returns an AgeCipher for identityFile, or NopCipher when it is empty.
func New(identityFile string) (Cipher, error) {
	if identityFile == "" {
		return NopCipher{}, nil
	}
	return LoadAgeCipher(identityFile)
}

// GenerateKey returns a fresh secret key and its public recipient.
func GenerateKey() (secretKey, recipient string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age keypair: %w", err)
	}
	return identity.String(), identity.Recipient().String(), nil
}

func (c *AgeCipher) Seal(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, c.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return Prefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (c *AgeCipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, Prefix) {
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, Prefix))
	if err != nil {
		return "", fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), c.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return string(plaintext), nil
}
