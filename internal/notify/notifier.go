package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phone-auth-service/internal/encryption"
	"phone-auth-service/internal/util"
)

const codePurpose = "verification_code"

// Notifier delivers a freshly issued code to the phone's owner.
type Notifier interface {
	DeliverCode(ctx context.Context, phone, code string, expiresAt time.Time) error
}

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// FieldEncrypter is satisfied by encryption.EncryptionManager.
type FieldEncrypter interface {
	EncryptField(ctx context.Context, plaintext, purpose string) (*encryption.EncryptedData, error)
}

// LogNotifier writes the code to the service log. Development only.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = util.Get()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) DeliverCode(_ context.Context, phone, code string, expiresAt time.Time) error {
	n.logger.Info("Verification code issued",
		zap.String("phone", phone),
		zap.String("code", code),
		zap.Time("expires_at", expiresAt),
	)
	return nil
}

// SMSDispatch is the message an SMS gateway consumes from Kafka.
type SMSDispatch struct {
	Phone       string                    `json:"phone"`
	Code        *encryption.EncryptedData `json:"code"`
	ExpiresAt   time.Time                 `json:"expires_at"`
	RequestedAt time.Time                 `json:"requested_at"`
}

// KafkaNotifier publishes an SMS dispatch request with the code sealed by
// envelope encryption.
type KafkaNotifier struct {
	producer  MessageProducer
	encrypter FieldEncrypter
	topic     string
	now       func() time.Time
}

func NewKafkaNotifier(producer MessageProducer, encrypter FieldEncrypter, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		producer:  producer,
		encrypter: encrypter,
		topic:     topic,
		now:       time.Now,
	}
}

func (n *KafkaNotifier) DeliverCode(ctx context.Context, phone, code string, expiresAt time.Time) error {
	sealed, err := n.encrypter.EncryptField(ctx, code, codePurpose)
	if err != nil {
		return fmt.Errorf("seal code: %w", err)
	}

	payload, err := json.Marshal(SMSDispatch{
		Phone:       phone,
		Code:        sealed,
		ExpiresAt:   expiresAt.UTC(),
		RequestedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode sms dispatch: %w", err)
	}

	headers := map[string]string{
		"content-type": "application/json",
		"purpose":      codePurpose,
	}
	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(phone), payload, headers); err != nil {
		return fmt.Errorf("publish sms dispatch: %w", err)
	}
	return nil
}

// Multi delivers through every notifier and reports the first failure.
type Multi []Notifier

func (m Multi) DeliverCode(ctx context.Context, phone, code string, expiresAt time.Time) error {
	var first error
	for _, n := range m {
		if err := n.DeliverCode(ctx, phone, code, expiresAt); err != nil && first == nil {
			first = err
		}
	}
	return first
}
