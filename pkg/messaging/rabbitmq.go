// pkg/messaging/rabbitmq.go
package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RetryCount int
	RetryDelay time.Duration
}

type RabbitMQClient struct {
	config     RabbitMQConfig
	logger     *zap.Logger
	connection *amqp.Connection
	channel    *amqp.Channel
	mu         sync.RWMutex
	isClosing  bool
}

func NewRabbitMQClient(config RabbitMQConfig, logger *zap.Logger) *RabbitMQClient {
	if config.RetryCount <= 0 {
		config.RetryCount = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 5 * time.Second
	}
	return &RabbitMQClient{config: config, logger: logger}
}

// Connect dials the broker and declares the durable topic exchange.
func (r *RabbitMQClient) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	for i := 0; i < r.config.RetryCount; i++ {
		r.connection, err = amqp.Dial(r.config.URL)
		if err != nil {
			r.logger.Warn("rabbitmq connection failed",
				zap.Int("attempt", i+1),
				zap.Int("max_attempts", r.config.RetryCount),
				zap.Error(err))
			if i < r.config.RetryCount-1 {
				time.Sleep(r.config.RetryDelay)
			}
			continue
		}

		r.channel, err = r.connection.Channel()
		if err != nil {
			r.connection.Close()
			return fmt.Errorf("failed to open channel: %w", err)
		}

		err = r.channel.ExchangeDeclare(
			r.config.Exchange, // name
			"topic",           // type
			true,              // durable
			false,             // auto-deleted
			false,             // internal
			false,             // no-wait
			nil,               // arguments
		)
		if err != nil {
			r.channel.Close()
			r.connection.Close()
			return fmt.Errorf("failed to declare exchange: %w", err)
		}

		r.logger.Info("connected to rabbitmq", zap.String("exchange", r.config.Exchange))
		go r.handleReconnection(r.connection)
		return nil
	}

	return fmt.Errorf("failed to connect to rabbitmq: %w", err)
}

func (r *RabbitMQClient) handleReconnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	err, ok := <-notifyClose
	if !ok {
		return
	}

	r.mu.RLock()
	closing := r.isClosing
	r.mu.RUnlock()
	if closing {
		return
	}

	r.logger.Warn("rabbitmq connection lost, reconnecting", zap.Error(err))
	time.Sleep(2 * time.Second)
	if err := r.Connect(); err != nil {
		r.logger.Error("rabbitmq reconnect failed", zap.Error(err))
	}
}

func (r *RabbitMQClient) Channel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQClient) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connection != nil && !r.connection.IsClosed()
}

func (r *RabbitMQClient) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosing {
		return nil
	}
	r.isClosing = true

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Warn("failed to close channel", zap.Error(err))
		}
	}
	if r.connection != nil {
		if err := r.connection.Close(); err != nil {
			return fmt.Errorf("connection close error: %w", err)
		}
	}
	return nil
}
