package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"phone-auth-service/internal/config"
	"phone-auth-service/internal/encryption"
)

type recordedMessage struct {
	topic   string
	key     []byte
	value   []byte
	headers map[string]string
}

type fakeProducer struct {
	messages []recordedMessage
	err      error
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, recordedMessage{topic: topic, key: key, value: value, headers: headers})
	return nil
}

func TestKafkaNotifierPublishesSealedCode(t *testing.T) {
	producer := &fakeProducer{}
	em := encryption.NewEncryptionManager(config.KMSConfig{}, nil)
	n := NewKafkaNotifier(producer, em, "sms.verification-codes")
	expiresAt := time.Now().Add(time.Minute)

	require.NoError(t, n.DeliverCode(context.Background(), "13812345678", "012345", expiresAt))
	require.Len(t, producer.messages, 1)

	msg := producer.messages[0]
	assert.Equal(t, "sms.verification-codes", msg.topic)
	assert.Equal(t, []byte("13812345678"), msg.key)
	assert.Equal(t, codePurpose, msg.headers["purpose"])
	assert.NotContains(t, string(msg.value), "012345")

	var dispatch SMSDispatch
	require.NoError(t, json.Unmarshal(msg.value, &dispatch))
	assert.Equal(t, "13812345678", dispatch.Phone)

	code, err := em.DecryptField(context.Background(), dispatch.Code)
	require.NoError(t, err)
	assert.Equal(t, "012345", code)
}

func TestKafkaNotifierPropagatesPublishError(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	n := NewKafkaNotifier(producer, encryption.NewEncryptionManager(config.KMSConfig{}, nil), "t")

	err := n.DeliverCode(context.Background(), "13812345678", "012345", time.Now())
	assert.ErrorContains(t, err, "broker down")
}

func TestLogNotifierLogsCode(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	require.NoError(t, n.DeliverCode(context.Background(), "13812345678", "012345", time.Now()))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "012345", logs.All()[0].ContextMap()["code"])
}

func TestMultiReportsFirstError(t *testing.T) {
	failing := &fakeProducer{err: errors.New("boom")}
	em := encryption.NewEncryptionManager(config.KMSConfig{}, nil)
	core, logs := observer.New(zap.InfoLevel)

	m := Multi{NewKafkaNotifier(failing, em, "t"), NewLogNotifier(zap.New(core))}
	err := m.DeliverCode(context.Background(), "13812345678", "012345", time.Now())

	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, logs.Len(), "later notifiers still run")
}
