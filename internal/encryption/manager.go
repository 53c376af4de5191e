package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/util"
)

const localKeyID = "local"

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// KMSAPI is the subset of the AWS KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string    `json:"encrypted_value"`
	EncryptedDEK   string    `json:"encrypted_dek"`
	KeyID          string    `json:"key_id"`
	Purpose        string    `json:"purpose"`
	Version        string    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// EncryptionManager seals values with a fresh AES-256-GCM data key per call.
// With KMS enabled the data key is wrapped by KMS; otherwise it travels
// base64-encoded, which is only suitable for development.
type EncryptionManager struct {
	kmsClient KMSAPI
	keyID     string
	enabled   bool
	keyCache  sync.Map
}

// NewKMSClient loads AWS credentials from the default chain.
func NewKMSClient(ctx context.Context, cfg config.KMSConfig) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewEncryptionManager(cfg config.KMSConfig, kmsClient KMSAPI) *EncryptionManager {
	return &EncryptionManager{
		kmsClient: kmsClient,
		keyID:     cfg.KeyID,
		enabled:   cfg.Enabled && kmsClient != nil,
	}
}

func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if !em.enabled {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.keyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.keyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local data key: %w", err)
	}
	return &DataKey{
		Plaintext:  key,
		Ciphertext: key,
		KeyID:      localKeyID,
	}, nil
}

// EncryptField seals plaintext. purpose is bound as additional data and must
// be supplied again to decrypt. The plaintext data key is not retained.
func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext, purpose string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(purpose))
	wrapped := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)

	util.Debug("Field encrypted", zap.String("purpose", purpose), zap.String("key_id", dataKey.KeyID))

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   wrapped,
		KeyID:          dataKey.KeyID,
		Purpose:        purpose,
		Version:        "v1",
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// DecryptField opens a value sealed by EncryptField. Unwrapped KMS keys are
// cached until ClearCache.
func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData) (string, error) {
	key, err := em.unwrapKey(ctx, data)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(data.Purpose))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrapKey(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if cached, ok := em.keyCache.Load(data.EncryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}
	if data.KeyID == localKeyID {
		return blob, nil
	}
	if !em.enabled {
		return nil, fmt.Errorf("%w: KMS disabled for key %s", ErrDecryptionFailed, data.KeyID)
	}

	result, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	em.keyCache.Store(data.EncryptedDEK, result.Plaintext)
	return result.Plaintext, nil
}

// ClearCache drops unwrapped data keys.
func (em *EncryptionManager) ClearCache() {
	em.keyCache.Range(func(key, _ interface{}) bool {
		em.keyCache.Delete(key)
		return true
	})
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
