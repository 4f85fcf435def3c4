package secrets

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrCiphertext = errors.New("malformed ciphertext")

// Box encrypts and decrypts credentials with a key derived from the application key
type Box struct {
	appKey []byte
	key    [chacha20poly1305.KeySize]byte
}

// NewBox derives the symmetric key from appKey
func NewBox(appKey string) (*Box, error) {
	if appKey == "" {
		return nil, fmt.Errorf("app key is empty")
	}
	return &Box{
		appKey: []byte(appKey),
		key:    sha256.Sum256([]byte("mailsync/credentials:" + appKey)),
	}, nil
}

// Encrypt returns base64(nonce || sealed). Empty input stays empty.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrCiphertext
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

type clientStateClaims struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Provider  string `json:"provider"`
}

// ClientState computes the webhook client-state secret for an account.
// Output is deterministic for the same (accountID, email, provider).
func (b *Box) ClientState(accountID, email, provider string) string {
	payload, _ := json.Marshal(clientStateClaims{
		AccountID: accountID,
		Email:     email,
		Provider:  provider,
	})

	mac := hmac.New(sha256.New, b.appKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyClientState compares a received client state against the expected one in constant time
func (b *Box) VerifyClientState(got, accountID, email, provider string) bool {
	want := b.ClientState(accountID, email, provider)
	return hmac.Equal([]byte(got), []byte(want))
}
