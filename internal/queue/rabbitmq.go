package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"voxsign/pkg/logger"
	"voxsign/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	QueueAudioExtraction = "audio_extraction"
	QueueProfileCreation = "profile_creation"
	ExchangeName         = "voxsign"

	// AttemptHeader carries the delivery attempt number of a redelivered job.
	AttemptHeader = "x-attempt"
	MaxAttempts   = 3
)

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

type RabbitMQ struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
}

// New RabbitMQ client
func NewRabbitMQ(url string) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"direct",     // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, name := range []string{QueueAudioExtraction, QueueProfileCreation} {
		if err := declareAndBind(ch, name); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
	}

	logger.Info("RabbitMQ connected successfully")

	return &RabbitMQ{
		conn:    conn,
		channel: ch,
		url:     url,
	}, nil
}

func declareAndBind(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	// Bind queue to exchange
	err = ch.QueueBind(
		name,         // queue name
		name,         // routing key
		ExchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return nil
}

// Publish publishes a message to the queue
func (r *RabbitMQ) Publish(ctx context.Context, queueName string, body []byte) error {
	return r.publish(ctx, queueName, body, 1)
}

func (r *RabbitMQ) publish(ctx context.Context, queueName string, body []byte, attempt int) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.channel.PublishWithContext(
		ctx,
		ExchangeName, // exchange
		queueName,    // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{AttemptHeader: int32(attempt)},
		},
	)

	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	logger.Debug("Message published to queue",
		zap.String("queue", queueName),
		zap.Int("attempt", attempt),
		zap.Int("size", len(body)))

	return nil
}

// PublishExtraction enqueues an audio extraction job
func (r *RabbitMQ) PublishExtraction(ctx context.Context, job *ExtractionJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal extraction job: %w", err)
	}
	return r.Publish(ctx, QueueAudioExtraction, body)
}

// PublishProfileCreation enqueues a profile creation job
func (r *RabbitMQ) PublishProfileCreation(ctx context.Context, job *ProfileJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal profile job: %w", err)
	}
	return r.Publish(ctx, QueueProfileCreation, body)
}

// Consume starts consuming messages from the queue and blocks until ctx is
// cancelled or the delivery channel closes. Failed messages are republished
// with an incremented attempt counter until MaxAttempts is reached.
func (r *RabbitMQ) Consume(ctx context.Context, queueName string, handler Handler) error {
	// Set QoS
	err := r.channel.Qos(
		1,     // prefetch count
		0,     // prefetch size
		false, // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := r.channel.Consume(
		queueName, // queue
		"",        // consumer
		false,     // auto-ack
		false,     // exclusive
		false,     // no-local
		false,     // no-wait
		nil,       // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	logger.Info("Starting to consume messages", zap.String("queue", queueName))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle(ctx, queueName, msg, handler)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, queueName string, msg amqp.Delivery, handler Handler) {
	attempt := AttemptOf(msg.Headers)
	logger.Debug("Received message",
		zap.String("queue", queueName),
		zap.Int("attempt", attempt),
		zap.Int("size", len(msg.Body)))

	err := handler(ctx, msg.Body)
	if err == nil {
		metrics.JobsTotal.WithLabelValues(queueName, "success").Inc()
		msg.Ack(false)
		return
	}

	logger.Error("Failed to handle message",
		zap.String("queue", queueName),
		zap.Int("attempt", attempt),
		zap.Error(err))

	if !ShouldRetry(attempt) {
		metrics.JobsTotal.WithLabelValues(queueName, "dropped").Inc()
		logger.Warn("Dropping message after max attempts",
			zap.String("queue", queueName),
			zap.Int("attempts", attempt))
		msg.Ack(false)
		return
	}

	metrics.JobsTotal.WithLabelValues(queueName, "retry").Inc()
	if pubErr := r.publish(ctx, queueName, msg.Body, attempt+1); pubErr != nil {
		logger.Error("Failed to republish message, requeueing", zap.Error(pubErr))
		msg.Nack(false, true)
		return
	}
	msg.Ack(false)
}

// AttemptOf returns the delivery attempt recorded in headers, starting at 1.
func AttemptOf(headers amqp.Table) int {
	attempt := cast.ToInt(headers[AttemptHeader])
	if attempt < 1 {
		return 1
	}
	return attempt
}

// ShouldRetry reports whether a failed delivery gets another attempt.
func ShouldRetry(attempt int) bool {
	return attempt < MaxAttempts
}

// Ping fails once the broker connection is gone.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	if r.conn == nil || r.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return ctx.Err()
}

// Close RabbitMQ connection
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
