package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"phone-auth-service/internal/config"
)

const (
	algorithm       = "argon2id"
	passwordContext = "password"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value   string
	Version int
}

// Hasher derives argon2id password hashes mixed with a server-side pepper.
// Encoded hashes record the pepper version and cost parameters, so hashes
// survive both pepper rotation and parameter changes.
type Hasher struct {
	params  Argon2Params
	current Pepper
	peppers map[int]string
}

func NewHasher(cfg config.HashingConfig) (*Hasher, error) {
	if cfg.Pepper == "" {
		return nil, errors.New("hashing pepper must not be empty")
	}

	params := Argon2Params{
		Memory:      uint32(cfg.Argon2MemoryCost),
		Iterations:  uint32(cfg.Argon2TimeCost),
		Parallelism: uint8(cfg.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}
	if params.Memory == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, errors.New("argon2 cost parameters must be positive")
	}

	peppers := make(map[int]string, len(cfg.PreviousPeppers)+1)
	for version, value := range cfg.PreviousPeppers {
		peppers[version] = value
	}
	peppers[cfg.PepperVersion] = cfg.Pepper

	return &Hasher{
		params:  params,
		current: Pepper{Value: cfg.Pepper, Version: cfg.PepperVersion},
		peppers: peppers,
	}, nil
}

// HashPassword returns "argon2id$v=19$p=<pepper>$m=..,t=..,l=..$salt$hash".
func (h *Hasher) HashPassword(password string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey(
		h.contextual(password, h.current.Value),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return fmt.Sprintf("%s$v=%d$p=%d$m=%d,t=%d,l=%d$%s$%s",
		algorithm,
		argon2.Version,
		h.current.Version,
		h.params.Memory,
		h.params.Iterations,
		h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyPassword reports whether password matches encoded. Errors mean the
// hash itself could not be used.
func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != algorithm {
		return false, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return false, ErrInvalidHash
	}
	if version != argon2.Version {
		return false, ErrIncompatibleVersion
	}

	pepperVersion, err := strconv.Atoi(strings.TrimPrefix(parts[2], "p="))
	if err != nil {
		return false, ErrInvalidHash
	}
	pepper, ok := h.peppers[pepperVersion]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, pepperVersion)
	}

	var (
		memory, iterations uint32
		parallelism        uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,l=%d", &memory, &iterations, &parallelism); err != nil {
		return false, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := argon2.IDKey(h.contextual(password, pepper), salt, iterations, memory, parallelism, uint32(len(expected)))

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

// NeedsRehash reports hashes made with a retired pepper.
func (h *Hasher) NeedsRehash(encoded string) bool {
	parts := strings.Split(encoded, "$")
	return len(parts) != 6 || parts[2] != "p="+strconv.Itoa(h.current.Version)
}

func (h *Hasher) PepperVersion() int {
	return h.current.Version
}

// contextual binds the input to its purpose so a hash cannot be replayed
// for a different kind of secret.
func (h *Hasher) contextual(data, pepper string) []byte {
	return []byte(data + pepper + passwordContext)
}
