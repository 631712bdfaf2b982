// Package obscure lightly obfuscates passwords stored in config files, the
// way the reference implementation's fs/config/obscure does: AES-CTR with a
// fixed, publicly-known key. This is not encryption — it exists only to
// stop a stored password from being readable at a glance over someone's
// shoulder or in a screen-share, not to resist a targeted attacker.
package obscure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// cryptKey is fixed and intentionally not secret; tests pin the IV through
// cryptRand, not through this key.
var cryptKey = []byte{
	0x9c, 0x93, 0x5b, 0x48, 0x73, 0x0a, 0x55, 0x4d,
	0x6b, 0xfd, 0x7c, 0x63, 0xc8, 0x86, 0xa9, 0x2b,
	0xd3, 0x90, 0x19, 0x8e, 0xb8, 0x12, 0x8a, 0xfb,
	0xf4, 0xde, 0x16, 0x2b, 0x8b, 0x95, 0xf6, 0x38,
}

// cryptRand is the IV source; overridden by tests for deterministic output.
var cryptRand io.Reader = rand.Reader

func crypter() (cipher.Block, error) {
	return aes.NewCipher(cryptKey)
}

// Obscure obfuscates plaintext (typically a password) into a short,
// URL-safe, unpadded base64 string prefixed with a random IV.
func Obscure(plaintext string) (string, error) {
	block, err := crypter()
	if err != nil {
		return "", fmt.Errorf("obscure: failed to make cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(cryptRand, iv); err != nil {
		return "", fmt.Errorf("obscure: failed to read iv: %w", err)
	}
	buf := append([]byte(nil), iv...)
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, len(plaintext))
	stream.XORKeyStream(dst, []byte(plaintext))
	buf = append(buf, dst...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustObscure is Obscure but panics on error, for use with compile-time
// constant inputs.
func MustObscure(plaintext string) string {
	out, err := Obscure(plaintext)
	if err != nil {
		panic(err)
	}
	return out
}

// Reveal undoes Obscure.
func Reveal(obscured string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(obscured)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed when revealing password - is it obscured?: %w", err)
	}
	if len(raw) < aes.BlockSize {
		return "", errors.New("input too short when revealing password - is it obscured?")
	}
	block, err := crypter()
	if err != nil {
		return "", fmt.Errorf("obscure: failed to make cipher: %w", err)
	}
	buf := bytes.NewBuffer(raw)
	iv := buf.Next(aes.BlockSize)
	stream := cipher.NewCTR(block, iv)
	dst := make([]byte, buf.Len())
	stream.XORKeyStream(dst, buf.Bytes())
	return string(dst), nil
}

// MustReveal is Reveal but panics on error.
func MustReveal(obscured string) string {
	out, err := Reveal(obscured)
	if err != nil {
		panic(err)
	}
	return out
}

// IsObscured reports whether s looks already-obscured, so callers (e.g. a
// config editor) can avoid double-obscuring a value.
func IsObscured(s string) bool {
	_, err := Reveal(s)
	return err == nil
}
