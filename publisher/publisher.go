package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/sqlwatch/encoding"
	"github.com/maxpert/sqlwatch/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before giving up on a message
	DefaultMaxRetries = 10
)

// PublisherConfig configures a watch publisher
type PublisherConfig struct {
	Watch           string        // Watch name, also the message key
	Database        string        // Logical database name
	Topic           string        // Destination topic/subject
	Sink            Sink          // Destination sink
	NodeID          uint64        // Stamped on every message
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum attempts per message
}

// Publisher encodes the values of one watch and publishes them, in order,
// with exponential backoff. Its methods block while retrying, so they are
// meant to run on the observation's notification queue.
type Publisher struct {
	config      PublisherConfig
	seq         atomic.Uint64
	stopCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
	now         func() time.Time
}

// NewPublisher validates config and fills in defaults
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if config.Watch == "" {
		return nil, fmt.Errorf("watch name is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	return &Publisher{
		config: config,
		stopCh: make(chan struct{}),
		now:    time.Now,
	}, nil
}

// Topic returns the destination topic
func (p *Publisher) Topic() string {
	return p.config.Topic
}

// Start enables publishing
func (p *Publisher) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.running.Load() {
		return
	}
	p.stopCh = make(chan struct{})
	p.running.Store(true)

	log.Info().
		Str("watch", p.config.Watch).
		Str("topic", p.config.Topic).
		Msg("Starting publisher")
}

// Stop aborts any retry in progress; later messages are dropped
func (p *Publisher) Stop() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.running.Swap(false) {
		return
	}
	close(p.stopCh)

	log.Info().Str("watch", p.config.Watch).Msg("Publisher stopped")
}

// PublishValue publishes an observed value
func (p *Publisher) PublishValue(value interface{}) error {
	return p.publish(Message{Value: value})
}

// PublishError publishes an observation error
func (p *Publisher) PublishError(err error) error {
	return p.publish(Message{Error: err.Error()})
}

func (p *Publisher) publish(msg Message) error {
	if !p.running.Load() {
		return fmt.Errorf("publisher for %s is stopped", p.config.Watch)
	}

	msg.Watch = p.config.Watch
	msg.Database = p.config.Database
	msg.NodeID = p.config.NodeID
	msg.Seq = p.seq.Add(1)
	msg.TS = p.now().UnixMilli()

	data, err := encoding.Marshal(msg)
	if err != nil {
		telemetry.PublishTotal.With("failed").Inc()
		return fmt.Errorf("failed to encode message: %w", err)
	}

	if err := p.publishWithRetry(p.config.Topic, p.config.Watch, data); err != nil {
		telemetry.PublishTotal.With("failed").Inc()
		return err
	}
	telemetry.PublishTotal.With("success").Inc()
	return nil
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns error if max retries exhausted or publisher stopped.
func (p *Publisher) publishWithRetry(topic, key string, data []byte) error {
	delay := p.config.RetryInitial
	attempts := 0

	for {
		err := p.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= p.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", p.config.MaxRetries, topic, err)
		}

		telemetry.PublishTotal.With("retry").Inc()
		log.Warn().
			Err(err).
			Str("watch", p.config.Watch).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish message, retrying")

		if !p.sleep(delay) {
			return fmt.Errorf("publisher stopped during retry")
		}

		delay = time.Duration(float64(delay) * p.config.RetryMultiplier)
		if delay > p.config.RetryMax {
			delay = p.config.RetryMax
		}
	}
}

// sleep returns false if the publisher was stopped first
func (p *Publisher) sleep(d time.Duration) bool {
	p.lifecycleMu.Lock()
	stopCh := p.stopCh
	p.lifecycleMu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// OnChange adapts p to an observation value callback. Publish failures are
// logged; they never stop the observation.
func OnChange[V any](p *Publisher) func(V) {
	return func(v V) {
		if err := p.PublishValue(v); err != nil {
			log.Error().Err(err).Str("watch", p.config.Watch).Msg("Failed to publish value")
		}
	}
}

// OnError adapts p to an observation error callback
func OnError(p *Publisher) func(error) {
	return func(observed error) {
		if err := p.PublishError(observed); err != nil {
			log.Error().Err(err).Str("watch", p.config.Watch).Msg("Failed to publish error")
		}
	}
}

// BuildTopic returns topic if set, else "<prefix>.<watch>" or just watch
func BuildTopic(prefix, watch, topic string) string {
	if topic != "" {
		return topic
	}
	if prefix == "" {
		return watch
	}
	return fmt.Sprintf("%s.%s", prefix, watch)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
