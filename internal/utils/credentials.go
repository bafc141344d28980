package utils

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/stanstork/ledgersync/internal/models"
)

// Sealer encrypts provider credentials before they enter a job payload.
type Sealer struct {
	key []byte
}

// NewSealer takes the base64 form of a 32-byte key.
func NewSealer(b64Key string) (*Sealer, error) {
	if b64Key == "" {
		return nil, fmt.Errorf("encryption key not set")
	}
	key, err := base64.StdEncoding.DecodeString(b64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(creds models.XeroCredentials) (models.SealedCredentials, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return models.SealedCredentials{}, err
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return models.SealedCredentials{}, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return models.SealedCredentials{}, err
	}
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return models.SealedCredentials{Ciphertext: base64.StdEncoding.EncodeToString(sealed)}, nil
}

func (s *Sealer) Open(sealed models.SealedCredentials) (models.XeroCredentials, error) {
	data, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return models.XeroCredentials{}, fmt.Errorf("invalid sealed credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return models.XeroCredentials{}, err
	}
	if len(data) < aead.NonceSize() {
		return models.XeroCredentials{}, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return models.XeroCredentials{}, fmt.Errorf("open sealed credentials: %w", err)
	}
	var creds models.XeroCredentials
	if err := json.Unmarshal(plain, &creds); err != nil {
		return models.XeroCredentials{}, err
	}
	return creds, nil
}
