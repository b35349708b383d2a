package kafka

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"ms-commerce/internal/logger"

	"github.com/segmentio/kafka-go"
)

// EnsureTopicsExist creates the given topics if they don't already exist.
// Creation failures are logged per topic rather than aborting the batch.
func EnsureTopicsExist(brokers []string, topics []string, log *logger.Logger) error {
	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}
	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	for _, topic := range topics {
		err = controllerConn.CreateTopics(kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     1,
			ReplicationFactor: 1,
		})
		if err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			log.Warn("KAFKA", fmt.Sprintf("Creating topic %s failed: %v", topic, err))
			continue
		}
		log.Info("KAFKA", fmt.Sprintf("Created topic %s", topic))
	}

	// Give the cluster a moment to propagate new topic metadata.
	time.Sleep(1 * time.Second)
	return nil
}
