package domain

// ContentEncryptor provides symmetric encryption for memory content,
// used optionally by the Markdown codec for at-rest body encryption.
type ContentEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	IsEncrypted(s string) bool
	Rotate(newPassphrase string) error
}
