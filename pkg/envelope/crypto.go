package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotEncrypted = errors.New("payload body is not encrypted")

type encryptedBody struct {
	Enc  string `json:"enc"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

const cipherName = "aes-256-cbc"

// EncryptBody replaces payload.body with an AES-256-CBC ciphertext record
// and marks the payload encrypted.
func EncryptBody(e *Envelope, key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("encrypt body: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return fmt.Errorf("encrypt body: %w", err)
	}

	plaintext := pkcs7Pad([]byte(e.Payload.Body), aes.BlockSize)
	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	record, err := json.Marshal(encryptedBody{
		Enc:  cipherName,
		IV:   hex.EncodeToString(iv),
		Data: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return err
	}
	e.Payload.Body = string(record)
	e.Payload.Encrypted = true
	return nil
}

// DecryptBody reverses EncryptBody in place.
func DecryptBody(e *Envelope, key []byte) error {
	if !e.Payload.Encrypted {
		return ErrNotEncrypted
	}
	var record encryptedBody
	if err := json.Unmarshal([]byte(e.Payload.Body), &record); err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	if record.Enc != cipherName {
		return fmt.Errorf("decrypt body: unsupported cipher %q", record.Enc)
	}

	iv, err := hex.DecodeString(record.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return fmt.Errorf("decrypt body: bad iv")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(record.Data)
	if err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return fmt.Errorf("decrypt body: ciphertext not block aligned")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("decrypt body: %w", err)
	}
	e.Payload.Body = string(unpadded)
	e.Payload.Encrypted = false
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("bad padding length")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, errors.New("bad padding value")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad padding bytes")
		}
	}
	return data[:len(data)-pad], nil
}
