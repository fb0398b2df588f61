// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// CredentialBox はサブスクリプションの資格情報を保存時に暗号化する。
// 平文のパスワードはログイン自動化の直前にのみ復号され、
// 永続化層には暗号文のみが保存される。
type CredentialBox struct {
	aead cipher.AEAD
}

// NewCredentialBox は32バイトの鍵からCredentialBoxを生成する。
// 鍵長が不正な場合はエラーを返す。
func NewCredentialBox(key []byte) (*CredentialBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CredentialBox{aead: aead}, nil
}

// Encrypt は平文をAES-256-GCMで暗号化する。
// 出力はnonceを先頭に連結した暗号文。
func (b *CredentialBox) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt は暗号文を復号して平文を返す。
// 改ざんされた暗号文や別の鍵による暗号文はエラーとなる。
func (b *CredentialBox) Decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plain, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plain), nil
}
