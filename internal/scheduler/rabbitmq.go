// Package scheduler moves payment processing off the checkout path. Tasks go
// through RabbitMQ: a work queue feeds the consumer, and a TTL queue with a
// dead-letter binding back to the work exchange implements delayed retries.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	workExchange = "payment.work.exchange"
	workQueue    = "payment.work.queue"
	workKey      = "payment.process"

	retryExchange = "payment.retry.exchange"
	retryQueue    = "payment.retry.queue"
	retryKey      = "payment.retry"

	publishTimeout = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Processor handles one payment task. Implemented by payment.Orchestrator.
// Abandon is called once retries for an order are exhausted.
type Processor interface {
	Process(ctx context.Context, orderID int64) error
	Abandon(ctx context.Context, orderID int64) error
}

// task is the wire form of a payment job.
type task struct {
	OrderID int64
	Attempt int
}

func (t task) encode() []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Int64(t.OrderID) })
		e.Field("attempt", func(e *jx.Encoder) { e.Int(t.Attempt) })
	})
	return e.Bytes()
}

func decodeTask(body []byte) (task, error) {
	var t task
	d := jx.DecodeBytes(body)
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "order_id":
			v, err := d.Int64()
			if err != nil {
				return err
			}
			t.OrderID = v
		case "attempt":
			v, err := d.Int()
			if err != nil {
				return err
			}
			t.Attempt = v
		default:
			return d.Skip()
		}
		return nil
	}); err != nil {
		return task{}, errors.Wrap(err, "decode task")
	}
	if t.OrderID == 0 {
		return task{}, errors.New("task missing order_id")
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	return t, nil
}

// Scheduler publishes and consumes payment tasks. It survives broker
// connection loss: the consumer loop redials and redeclares the topology
// until its context is cancelled.
type Scheduler struct {
	url    string
	policy RetryPolicy

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New dials RabbitMQ and declares the work and retry topology. The retry
// queue has no consumer: messages wait out the policy backoff as a TTL and
// dead-letter back into the work exchange.
func New(url string, policy RetryPolicy) (*Scheduler, error) {
	s := &Scheduler{url: url, policy: policy}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) connect() error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return errors.Wrap(err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "open channel")
	}
	if err := declareTopology(ch, s.policy); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn, s.channel = conn, ch
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) ch() *amqp.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func declareTopology(ch *amqp.Channel, policy RetryPolicy) error {
	if err := ch.ExchangeDeclare(workExchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare work exchange")
	}
	if err := ch.ExchangeDeclare(retryExchange, "direct", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare retry exchange")
	}

	if _, err := ch.QueueDeclare(workQueue, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare work queue")
	}
	if err := ch.QueueBind(workQueue, workKey, workExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind work queue")
	}

	if _, err := ch.QueueDeclare(retryQueue, true, false, false, false, amqp.Table{
		"x-message-ttl":             policy.Backoff.Milliseconds(),
		"x-dead-letter-exchange":    workExchange,
		"x-dead-letter-routing-key": workKey,
	}); err != nil {
		return errors.Wrap(err, "declare retry queue")
	}
	if err := ch.QueueBind(retryQueue, retryKey, retryExchange, false, nil); err != nil {
		return errors.Wrap(err, "bind retry queue")
	}
	return nil
}

// EnqueuePayment schedules the first processing attempt for an order.
func (s *Scheduler) EnqueuePayment(ctx context.Context, orderID int64) error {
	return s.publish(ctx, workExchange, workKey, task{OrderID: orderID, Attempt: 1})
}

func (s *Scheduler) scheduleRetry(ctx context.Context, t task) error {
	return s.publish(ctx, retryExchange, retryKey, t)
}

func (s *Scheduler) publish(ctx context.Context, exchange, key string, t task) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := s.ch().PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         t.encode(),
		DeliveryMode: amqp.Persistent,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", exchange)
	}
	return nil
}

// Run consumes the work queue until ctx is cancelled. When the broker drops
// the connection the loop redials with a fixed delay and resumes consuming.
// Each task gets at most RetryPolicy.MaxAttempts tries; a delivery is acked
// only once its outcome is recorded, otherwise it is requeued.
func (s *Scheduler) Run(ctx context.Context, processor Processor) error {
	lg := zctx.From(ctx)
	for {
		err := s.consume(ctx, processor)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lg.Warn("consumer disconnected", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
		if err := s.connect(); err != nil {
			lg.Error("rabbitmq reconnect failed", zap.Error(err))
		}
	}
}

func (s *Scheduler) consume(ctx context.Context, processor Processor) error {
	deliveries, err := s.ch().Consume(workQueue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume work queue")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			if err := handleTask(ctx, processor, s.policy, s.scheduleRetry, d.Body); err != nil {
				// Outcome not durably recorded: the broker redelivers.
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// handleTask runs one payment task through the retry policy. A non-nil
// return means the outcome was not durably recorded and the delivery must
// be requeued instead of acked.
func handleTask(ctx context.Context, processor Processor, policy RetryPolicy, retry func(context.Context, task) error, body []byte) error {
	lg := zctx.From(ctx)

	t, err := decodeTask(body)
	if err != nil {
		// Malformed bodies would requeue forever.
		lg.Warn("dropping malformed task", zap.Error(err))
		return nil
	}
	lg = lg.With(zap.Int64("order_id", t.OrderID), zap.Int("attempt", t.Attempt))

	err = processor.Process(ctx, t.OrderID)
	switch policy.decide(err, t.Attempt) {
	case outcomeDone:
		lg.Debug("payment task done")
	case outcomeRetry:
		next := task{OrderID: t.OrderID, Attempt: t.Attempt + 1}
		if pubErr := retry(ctx, next); pubErr != nil {
			lg.Error("schedule retry failed", zap.Error(pubErr))
			return pubErr
		}
		lg.Info("payment attempt failed, retry scheduled",
			zap.Duration("backoff", policy.Backoff),
			zap.Error(err),
		)
	case outcomeDrop:
		lg.Warn("dropping payment task", zap.Error(err))
	case outcomeAbandon:
		if abandonErr := processor.Abandon(ctx, t.OrderID); abandonErr != nil {
			lg.Error("abandon payment failed", zap.Error(abandonErr))
			return abandonErr
		}
		lg.Warn("payment retries exhausted", zap.Error(err))
	}
	return nil
}

// Close releases the channel and connection.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.Close(); err != nil {
		return errors.Wrap(err, "close channel")
	}
	return s.conn.Close()
}
