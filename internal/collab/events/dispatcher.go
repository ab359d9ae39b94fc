// Package events publishes accepted operations to Kafka as an audit stream.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"labelroom/internal/collab/operation"
	"labelroom/pkg/logger"
)

// OperationEvent is the record written for each accepted operation.
type OperationEvent struct {
	SessionID string              `json:"session_id"`
	Operation operation.Operation `json:"operation"`
	SentAt    time.Time           `json:"sent_at"`
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

// Dispatcher queues events locally and sends them from a fixed worker pool
// with bounded retries. Record never blocks the caller; when the queue is
// full the event is dropped.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	opts     Options

	mu     sync.RWMutex
	closed bool
	queue  chan OperationEvent
	wg     sync.WaitGroup
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		opts:     opts,
		queue:    make(chan OperationEvent, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewSyncProducer builds a producer configured for acknowledged sends.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// SyncProducer requires Return.Successes.
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 0
	return sarama.NewSyncProducer(brokers, cfg)
}

func (d *Dispatcher) Record(sessionID string, op operation.Operation) {
	evt := OperationEvent{SessionID: sessionID, Operation: op, SentAt: time.Now()}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		logger.Sugar.Warnf("Audit queue full, dropping operation %s of session %s", op.ID, sessionID)
	}
}

// Close stops accepting events, drains the queue and closes the producer.
// Events recorded after Close are dropped.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.producer != nil {
		return d.producer.Close()
	}
	return nil
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt OperationEvent) {
	for attempt := 0; attempt <= d.opts.MaxRetry; attempt++ {
		err := d.sendOnce(evt)
		if err == nil {
			return
		}
		if attempt == d.opts.MaxRetry {
			logger.Sugar.Errorf("Audit send failed, dropping session=%s op=%s worker=%d: %v",
				evt.SessionID, evt.Operation.ID, workerID, err)
			return
		}
		backoff := d.opts.BaseBackoff * time.Duration(1<<attempt)
		if backoff > d.opts.MaxBackoff {
			backoff = d.opts.MaxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *Dispatcher) sendOnce(evt OperationEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
