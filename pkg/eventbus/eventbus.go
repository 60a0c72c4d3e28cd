// Package eventbus 提供了基于 Kafka 的实时事件总线。
// 后端（AI 回复路径、客服工作台）把消息写入、消息更新、输入指示、
// 会话状态变化发布到统一主题；本服务消费该主题并泵入进程内代理，
// 再由各挂件连接的流适配器接收。
package eventbus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/segmentio/kafka-go"

	"nestchat-widget-go/internal/config"
	"nestchat-widget-go/internal/realtime"
	"nestchat-widget-go/pkg/log"
)

var producer *kafka.Writer

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) {
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
}

// PublishEvent 发布一个实时事件到总线。
// 以会话 ID 作为消息键，保证同一会话的事件落在同一分区内有序。
func PublishEvent(ev realtime.Event) error {
	if producer == nil {
		return errors.New("Kafka 生产者未初始化")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	return producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(ev.ConversationID),
			Value: payload,
		},
	)
}

// StartConsumer 启动 Kafka 消费者，把总线事件泵入进程内代理。
// 实时事件是随发随弃的：解析失败只记日志并提交 offset，
// 不做重试，丢一条推送最多让挂件少一次即时更新，历史拉取会补齐。
func StartConsumer(cfg config.KafkaConfig, broker *realtime.Broker) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  "nestchat-widget-consumer",
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	for {
		m, err := r.FetchMessage(context.Background())
		if err != nil {
			log.Error("从 Kafka 读取消息失败", err)
			break // 退出循环，可能需要重启策略
		}

		var ev realtime.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			log.Errorf("无法解析实时事件: %v, value: %s", err, string(m.Value))
		} else if ev.ConversationID == "" {
			log.Warnf("实时事件缺少会话 ID，已丢弃: %s", string(m.Value))
		} else {
			broker.Publish(ev)
		}

		if err := r.CommitMessages(context.Background(), m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Fatalf("关闭 Kafka 消费者失败: %v", err)
	}
}
