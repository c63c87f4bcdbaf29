package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"dropshelf-server/internal/model"
	"golang.org/x/crypto/argon2"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      19 * 1024,
		Iterations:  2,
		Parallelism: 1,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// HashPassword derives an argon2id key from password and a fresh random salt.
// The result is a PHC string carrying the parameters it was made with, so it
// keeps verifying after the configured parameters change.
func HashPassword(password string, p Argon2Params) (model.Credential, error) {
	if password == "" {
		return model.Credential{}, errors.New("password is required")
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return model.Credential{}, err
	}
	h := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	enc := base64.RawStdEncoding
	phc := fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Iterations, p.Parallelism,
		enc.EncodeToString(salt), enc.EncodeToString(h))
	return model.Credential{Hash: phc}, nil
}

// VerifyPassword recomputes the key with the stored salt and parameters and
// compares in constant time.
func VerifyPassword(password string, cred model.Credential) bool {
	if password == "" || cred.Hash == "" {
		return false
	}
	p, salt, want, err := parsePHC(cred.Hash)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// NeedsRehash reports whether cred was hashed with parameters other than p.
func NeedsRehash(cred model.Credential, p Argon2Params) bool {
	stored, salt, key, err := parsePHC(cred.Hash)
	if err != nil {
		return true
	}
	return stored.Memory != p.Memory ||
		stored.Iterations != p.Iterations ||
		stored.Parallelism != p.Parallelism ||
		uint32(len(salt)) != p.SaltLen ||
		uint32(len(key)) != p.KeyLen
}

func parsePHC(s string) (Argon2Params, []byte, []byte, error) {
	var p Argon2Params
	parts := strings.Split(s, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return p, nil, nil, errors.New("unsupported hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return p, nil, nil, err
	}
	if version != argon2.Version {
		return p, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.Memory, &p.Iterations, &p.Parallelism); err != nil {
		return p, nil, nil, err
	}
	if p.Memory == 0 || p.Iterations == 0 || p.Parallelism == 0 {
		return p, nil, nil, errors.New("invalid argon2 parameters")
	}
	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil {
		return p, nil, nil, err
	}
	key, err := enc.DecodeString(parts[4])
	if err != nil {
		return p, nil, nil, err
	}
	if len(key) < 16 {
		return p, nil, nil, errors.New("hash too short")
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}
