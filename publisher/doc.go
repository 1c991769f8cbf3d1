// Package publisher forwards observed values to external systems (Kafka,
// NATS) so consumers outside the process can follow a watch.
//
// # Messages
//
// Every value or error of a watch becomes one msgpack-encoded Message:
//
//	watch -> watch name (also the message key)
//	db    -> logical database name
//	seq   -> per-watch delivery sequence, starting at 1
//	node  -> publishing node id
//	ts    -> publish time, unix milliseconds
//	value -> the observed value
//	error -> error text, set instead of value
//
// Messages of one watch are published in the order the observation
// delivered them. Keying by watch name keeps them on one Kafka partition.
//
// # Retries
//
// A failed publish is retried with exponential backoff (retry_initial_ms,
// retry_multiplier, capped at retry_max_ms) up to max_retries attempts.
// Retries block the observation's notification queue, never the database
// writer. A message that exhausts its attempts is logged and skipped.
//
// # Sinks
//
// Sink types register a factory with RegisterSink, usually from an init
// function (see the sink package). Registry opens the sinks named in
// configuration and hands out one Publisher per watch:
//
//	reg, err := publisher.NewRegistry(cfg.Config.Sinks, cfg.Config.NodeID)
//	if err != nil {
//		return err
//	}
//	defer reg.Close()
//
//	pub, err := reg.NewPublisher("events", "open_orders", "app", "")
//	if err != nil {
//		return err
//	}
//	handle, err := obs.Start(database, publisher.OnChange[int64](pub),
//		observation.WithErrorHandler(publisher.OnError(pub)),
//		observation.WithNotificationQueue(queue))
package publisher
