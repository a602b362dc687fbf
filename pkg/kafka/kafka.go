package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig 发送重试配置
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetry 默认重试策略
var DefaultRetry = RetryConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxRetries:      3,
}

// Producer 同步生产者，发送失败按指数退避重试
type Producer struct {
	producer  sarama.SyncProducer
	retry     RetryConfig
	onRetry   func(err error, next time.Duration)
	closeOnce sync.Once
	closeErr  error
}

// InitProducer 初始化生产者
func InitProducer(brokers []string, clientID string) (*Producer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Partitioner = sarama.NewHashPartitioner
	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducer(producer, DefaultRetry), nil
}

// NewProducer 包装已有的 sarama 生产者
func NewProducer(p sarama.SyncProducer, retry RetryConfig) *Producer {
	return &Producer{producer: p, retry: retry}
}

// OnRetry 设置重试回调
func (p *Producer) OnRetry(fn func(err error, next time.Duration)) {
	p.onRetry = fn
}

// SendMessage 发送消息，同一 key 落在同一分区
func (p *Producer) SendMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.ByteEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	operation := func() error {
		_, _, err := p.producer.SendMessage(msg)
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(p.retry.InitialInterval),
				backoff.WithMaxInterval(p.retry.MaxInterval),
			),
			p.retry.MaxRetries,
		),
		ctx,
	)

	if err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		if p.onRetry != nil {
			p.onRetry(err, d)
		}
	}); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close 关闭生产者，可重复调用
func (p *Producer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.producer.Close()
	})
	return p.closeErr
}
