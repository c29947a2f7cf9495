package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"qpesapay/internal/core/domain"
	"qpesapay/internal/core/ports"
	"qpesapay/pkg/apperror"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RoutingKeyPrefix prefixes the settlement method in callback routing keys,
// e.g. settlement.callback.mpesa.
const RoutingKeyPrefix = "settlement.callback."

// CallbackHandler applies a parsed channel result.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, result domain.CallbackResult) (*domain.Settlement, error)
}

// ParserLookup finds the callback parser of a settlement method.
type ParserLookup interface {
	Parser(method domain.SettlementMethod) (ports.CallbackParser, bool)
}

// CallbackConsumer drains channel result notifications that an upstream
// gateway relays through a topic exchange.
type CallbackConsumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	parsers ParserLookup
	handler CallbackHandler
	log     zerolog.Logger
	wg      sync.WaitGroup
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

// Dial connects to the broker at amqpURL.
func Dial(amqpURL string, parsers ParserLookup, handler CallbackHandler, log zerolog.Logger) (*CallbackConsumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	c := NewCallbackConsumer(parsers, handler, log)
	c.conn, c.ch = conn, ch
	return c, nil
}

// NewCallbackConsumer builds a consumer without a connection; Handle can be
// driven directly.
func NewCallbackConsumer(parsers ParserLookup, handler CallbackHandler, log zerolog.Logger) *CallbackConsumer {
	return &CallbackConsumer{
		parsers: parsers,
		handler: handler,
		log:     log.With().Str("component", "callback_consumer").Logger(),
	}
}

// Start declares the exchange and queue, binds every callback routing key
// and consumes until ctx is done or the channel closes.
func (c *CallbackConsumer) Start(ctx context.Context, exchange, queue string) error {
	if c.ch == nil {
		return fmt.Errorf("callback consumer is not connected")
	}
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := c.ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, RoutingKeyPrefix+"*", exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	if err := c.ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.ch.ConsumeWithContext(ctx, q.Name, "qpesapay-callbacks", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.log.Info().Str("exchange", exchange).Str("queue", q.Name).Msg("consuming settlement callbacks")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for d := range msgs {
			c.Handle(ctx, d)
		}
		c.log.Info().Msg("callback consumer stopped")
	}()
	return nil
}

// Handle processes one delivery and settles it with the broker. Malformed
// and unknown callbacks are dropped; infrastructure failures are requeued
// once and then rejected so the broker can dead-letter them.
func (c *CallbackConsumer) Handle(ctx context.Context, d amqp.Delivery) {
	log := c.log.With().Str("routing_key", d.RoutingKey).Str("message_id", d.MessageId).Logger()

	method := domain.SettlementMethod(strings.TrimPrefix(d.RoutingKey, RoutingKeyPrefix))
	parser, ok := c.parsers.Parser(method)
	if !ok {
		log.Warn().Msg("no callback parser for routing key, dropping")
		_ = d.Ack(false)
		return
	}
	result, err := parser.ParseCallback(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed callback, dropping")
		_ = d.Ack(false)
		return
	}

	_, err = c.handler.HandleCallback(ctx, result)
	if err == nil {
		_ = d.Ack(false)
		return
	}
	if appErr, ok := apperror.As(err); ok && appErr.HTTPStatus < 500 {
		log.Warn().Err(err).Str("external_reference", result.ExternalReference).Msg("callback rejected, dropping")
		_ = d.Ack(false)
		return
	}
	if d.Redelivered {
		log.Error().Err(err).Str("external_reference", result.ExternalReference).Msg("callback failed after redelivery, rejecting")
		_ = d.Reject(false)
		return
	}
	log.Warn().Err(err).Str("external_reference", result.ExternalReference).Msg("callback failed, requeueing")
	_ = d.Nack(false, true)
}

// Close stops consumption and waits for the in-flight delivery.
func (c *CallbackConsumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	c.wg.Wait()
	if c.conn != nil {
		c.conn.Close()
	}
}
