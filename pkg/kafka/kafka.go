package kafka

import (
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/tsel-ticketmaster/tm-gate/config"
)

func NewProducer() *kafka.Producer {
	c := config.Get()

	cm := &kafka.ConfigMap{
		"bootstrap.servers": c.Kafka.BootstrapServers,
		"security.protocol": c.Kafka.SecurityProtocol,
	}

	if c.Kafka.Username != "" {
		_ = cm.SetKey("sasl.mechanisms", "PLAIN")
		_ = cm.SetKey("sasl.username", c.Kafka.Username)
		_ = cm.SetKey("sasl.password", c.Kafka.Password)
	}

	producer, err := kafka.NewProducer(cm)
	if err != nil {
		panic(err)
	}

	return producer
}
