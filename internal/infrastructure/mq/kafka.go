package mq

import (
	"errors"
	"log"

	"tokenledger/internal/config"

	"github.com/IBM/sarama"
)

var kafkaProducer sarama.SyncProducer

// InitKafka 初始化 Kafka 生产者
// 账本事件（余额变更、购买结果）由发件箱任务经此发出
func InitKafka(cfg *config.KafkaConfig) sarama.SyncProducer {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3                    // 重试次数
	kafkaConfig.Producer.Return.Successes = true          // 返回成功消息

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		log.Fatalf("创建 Kafka 生产者失败: %v", err)
	}

	kafkaProducer = producer
	log.Println("Kafka 生产者创建成功")
	return producer
}

// SetProducer 注入生产者（测试时传 sarama mocks）
func SetProducer(producer sarama.SyncProducer) {
	kafkaProducer = producer
}

// SendMessage 发送消息到 Kafka
// key 为用户ID/会话号，保证同一账户的事件落在同一分区、顺序可读
func SendMessage(topic, key, value string) error {
	if kafkaProducer == nil {
		return errors.New("Kafka 生产者未初始化")
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := kafkaProducer.SendMessage(msg)
	return err
}

// CloseKafka 关闭 Kafka 生产者
func CloseKafka() {
	if kafkaProducer != nil {
		kafkaProducer.Close()
	}
}
