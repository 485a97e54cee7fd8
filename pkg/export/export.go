// Package export writes reviewer feedback records for downstream
// training/aggregation consumers, either as plain JSONL or as a sealed file
// encrypted with a password. Feedback contains fragments of patient context,
// so exports that leave the host should be sealed.
package export

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"

	"dxpipe/pkg/persistence"
)

// Sealed file format: [salt][nonce][ciphertext+tag].
const (
	saltSize = 16
	nonceSize = 12
	scryptN  = 32768 // 2^15
	scryptR  = 8
	scryptP  = 1
	keySize  = 32 // AES-256
)

// WriteJSONL writes one feedback record per line in the frozen
// decision-record envelope.
func WriteJSONL(w io.Writer, records []persistence.FeedbackRecord) error {
	bw := bufio.NewWriter(w)
	for i := range records {
		line, err := json.Marshal(&records[i])
		if err != nil {
			return fmt.Errorf("marshal feedback record %d: %w", records[i].ID, err)
		}
		if _, err := bw.Write(line); err != nil {
			return fmt.Errorf("write feedback record: %w", err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("write feedback record: %w", err)
		}
	}
	return bw.Flush()
}

// EncodeJSONL renders feedback records to a JSONL byte slice.
func EncodeJSONL(records []persistence.FeedbackRecord) ([]byte, error) {
	var buf []byte
	for i := range records {
		line, err := json.Marshal(&records[i])
		if err != nil {
			return nil, fmt.Errorf("marshal feedback record %d: %w", records[i].ID, err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

// Seal encrypts plaintext with a password-derived key. The returned bytes
// are the complete sealed file: [salt][nonce][ciphertext+tag].
func Seal(password, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	sealed := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// Open decrypts a sealed file produced by Seal.
func Open(password, sealed []byte) ([]byte, error) {
	minSize := saltSize + nonceSize + 16 // 16 is GCM tag size
	if len(sealed) < minSize {
		return nil, fmt.Errorf("sealed data is corrupted or invalid format (too small)")
	}

	salt := sealed[:saltSize]
	nonce := sealed[saltSize : saltSize+nonceSize]
	ciphertext := sealed[saltSize+nonceSize:]

	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt (wrong password or corrupted data): %w", err)
	}
	return plaintext, nil
}

// WriteSealedFile seals plaintext and writes it to path with 0600
// permissions, creating parent directories as needed.
func WriteSealedFile(path string, password, plaintext []byte) error {
	sealed, err := Seal(password, plaintext)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write sealed file: %w", err)
	}
	return nil
}

// ReadSealedFile reads and decrypts a sealed export file.
func ReadSealedFile(path string, password []byte) ([]byte, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sealed file: %w", err)
	}
	return Open(password, sealed)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
