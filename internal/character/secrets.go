package character

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ai-character-runtime/backend/internal/models"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Secrets codec errors
var (
	ErrNoMasterKey      = errors.New("secrets master key is not configured")
	ErrSecretsMissing   = errors.New("character has no secrets")
	ErrSignatureInvalid = errors.New("secrets signature is missing or invalid")
)

const (
	saltBytes  = 16
	secretsKDF = "character-secrets"
)

// SecretsCodec seals per-character secrets. Every blob carries its own random
// salt; the signature is HMAC-SHA-256 over salt and payload keyed by the
// master key, and the payload is encrypted with a key derived from both.
type SecretsCodec struct {
	master []byte
}

// NewSecretsCodec creates a codec. An empty master key makes Seal fail and
// Open reject every blob.
func NewSecretsCodec(masterKey string) *SecretsCodec {
	return &SecretsCodec{master: []byte(masterKey)}
}

// Seal encrypts and signs secrets for storage
func (c *SecretsCodec) Seal(characterID string, secrets map[string]string) (*models.CharacterSecret, error) {
	if len(c.master) == 0 {
		return nil, ErrNoMasterKey
	}

	plain, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode secrets: %w", err)
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plain, []byte(characterID)))

	return &models.CharacterSecret{
		CharacterID: characterID,
		Salt:        hex.EncodeToString(salt),
		Signature:   hex.EncodeToString(c.sign(salt, payload)),
		Payload:     payload,
	}, nil
}

// Open verifies the signature before decrypting the payload
func (c *SecretsCodec) Open(row *models.CharacterSecret) (map[string]string, error) {
	if row == nil || row.Payload == "" {
		return nil, ErrSecretsMissing
	}
	if len(c.master) == 0 || row.Signature == "" {
		return nil, ErrSignatureInvalid
	}

	salt, err := hex.DecodeString(row.Salt)
	if err != nil || len(salt) != saltBytes {
		return nil, ErrSignatureInvalid
	}
	signature, err := hex.DecodeString(row.Signature)
	if err != nil || !hmac.Equal(signature, c.sign(salt, row.Payload)) {
		return nil, ErrSignatureInvalid
	}

	sealed, err := base64.StdEncoding.DecodeString(row.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secrets payload: %w", err)
	}
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("secrets payload too short")
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], []byte(row.CharacterID))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plain, &secrets); err != nil {
		return nil, fmt.Errorf("failed to decode secrets: %w", err)
	}
	return secrets, nil
}

func (c *SecretsCodec) sign(salt []byte, payload string) []byte {
	mac := hmac.New(sha256.New, c.master)
	mac.Write(salt)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func (c *SecretsCodec) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, salt, []byte(secretsKDF)), key); err != nil {
		return nil, fmt.Errorf("failed to derive secrets key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}
