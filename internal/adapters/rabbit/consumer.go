package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type ConsumerConfig struct {
	Exchange string
	Queue    string
	Bindings []string
	Prefetch int
	// DeadLetter names the exchange rejected messages are routed to. Its
	// queue is Queue + ".dlq". Empty disables dead lettering.
	DeadLetter string
}

type Consumer struct {
	ch  *amqp.Channel
	cfg ConsumerConfig
}

func NewConsumer(conn *amqp.Connection, cfg ConsumerConfig) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open channel")
	}
	if err := declare(ch, cfg); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "set qos")
	}
	return &Consumer{ch: ch, cfg: cfg}, nil
}

func declare(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare exchange %s", cfg.Exchange)
	}

	args := amqp.Table{}
	if cfg.DeadLetter != "" {
		if err := ch.ExchangeDeclare(cfg.DeadLetter, "topic", true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare exchange %s", cfg.DeadLetter)
		}
		dlq := cfg.Queue + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "declare queue %s", dlq)
		}
		if err := ch.QueueBind(dlq, "#", cfg.DeadLetter, false, nil); err != nil {
			return errors.Wrapf(err, "bind queue %s", dlq)
		}
		args["x-dead-letter-exchange"] = cfg.DeadLetter
	}

	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return errors.Wrapf(err, "declare queue %s", cfg.Queue)
	}
	for _, key := range cfg.Bindings {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "bind %s to %s", cfg.Queue, key)
		}
	}
	return nil
}

// Consume delivers messages with manual acknowledgement until ctx ends.
func (c *Consumer) Consume(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "consume %s", c.cfg.Queue)
	}
	return msgs, nil
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
