package dao

import (
	"context"
	"encoding/json"
	"fmt"

	"whiteboard-collab/apps/collab-service/model"
	"whiteboard-collab/pkg/kafka"
)

// DefaultOperationTopic 画布操作主题
const DefaultOperationTopic = "whiteboard.canvas.operations"

// operationSink 把已接受的操作写入 Kafka，按白板ID分区保证同板有序
type operationSink struct {
	producer *kafka.Producer
	topic    string
}

// NewOperationSink 创建操作下游
func NewOperationSink(producer *kafka.Producer, topic string) OperationSink {
	if topic == "" {
		topic = DefaultOperationTopic
	}
	return &operationSink{producer: producer, topic: topic}
}

// Publish 发布操作
func (s *operationSink) Publish(ctx context.Context, op model.CanvasOperation) error {
	value, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal operation: %v", err)
	}
	headers := map[string]string{
		"operation_type": string(op.Type),
		"user_id":        op.UserID,
	}
	return s.producer.SendMessage(ctx, s.topic, []byte(op.WhiteboardID), value, headers)
}

// Close 关闭
func (s *operationSink) Close() error {
	return s.producer.Close()
}
