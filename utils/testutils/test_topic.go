package testutils

import (
	"net"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/segmentio/kafka-go"
)

// KafkaBrokers returns the brokers listed in KAFKA_BROKERS, skipping the
// test when none are configured.
func KafkaBrokers(t testing.TB) []string {
	t.Helper()
	raw := os.Getenv("KAFKA_BROKERS")
	if raw == "" {
		t.Skip("KAFKA_BROKERS not set, skipping Kafka test")
	}
	return strings.Split(raw, ",")
}

// CreateTestTopic creates a single-partition topic through the cluster
// controller.
func CreateTestTopic(broker, topic string) {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		panic(err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		panic(err)
	}
	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		panic(err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		panic(err)
	}
}

// DestroyTopic deletes a topic created by CreateTestTopic.
func DestroyTopic(broker, topic string) {
	conn, err := kafka.Dial("tcp", broker)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.DeleteTopics(topic)
}
