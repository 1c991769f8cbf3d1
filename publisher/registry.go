package publisher

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/sqlwatch/cfg"
	"github.com/rs/zerolog/log"
)

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// NewSink creates a sink using the factory registered for config.Type
func NewSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

type namedSink struct {
	config cfg.SinkConfiguration
	sink   Sink
}

// Registry owns the configured sinks and the publishers writing to them
type Registry struct {
	mu         sync.Mutex
	sinks      map[string]*namedSink
	publishers []*Publisher
	nodeID     uint64
	closed     bool
}

// NewRegistry opens every configured sink
func NewRegistry(configs []cfg.SinkConfiguration, nodeID uint64) (*Registry, error) {
	r := &Registry{
		sinks:  make(map[string]*namedSink, len(configs)),
		nodeID: nodeID,
	}

	for _, config := range configs {
		if err := r.AddSink(config); err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", config.Name, err)
		}
	}

	log.Info().Int("sinks", len(r.sinks)).Msg("Publisher registry initialized")
	return r, nil
}

// AddSink opens a sink and makes it available to watches by name
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registry is closed")
	}
	if _, exists := r.sinks[config.Name]; exists {
		return fmt.Errorf("duplicate sink name: %s", config.Name)
	}

	snk, err := NewSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}
	r.sinks[config.Name] = &namedSink{config: config, sink: snk}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Msg("Added sink")

	return nil
}

// SinkNames returns the configured sink names, sorted
func (r *Registry) SinkNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPublisher creates a started publisher for one watch on the named sink.
// An empty topic defaults to "<topic_prefix>.<watch>".
func (r *Registry) NewPublisher(sinkName, watch, database, topic string) (*Publisher, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("registry is closed")
	}
	ns, ok := r.sinks[sinkName]
	if !ok {
		return nil, fmt.Errorf("unknown sink: %s", sinkName)
	}

	p, err := NewPublisher(PublisherConfig{
		Watch:           watch,
		Database:        database,
		Topic:           BuildTopic(ns.config.TopicPrefix, watch, topic),
		Sink:            ns.sink,
		NodeID:          r.nodeID,
		RetryInitial:    msDuration(ns.config.RetryInitialMS),
		RetryMax:        msDuration(ns.config.RetryMaxMS),
		RetryMultiplier: ns.config.RetryMultiplier,
		MaxRetries:      ns.config.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	p.Start()
	r.publishers = append(r.publishers, p)
	return p, nil
}

// Close stops every publisher and closes every sink
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	for _, p := range r.publishers {
		p.Stop()
	}

	var errs []error
	for name, ns := range r.sinks {
		if err := ns.sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", name).Msg("Failed to close sink")
			errs = append(errs, fmt.Errorf("sink %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
