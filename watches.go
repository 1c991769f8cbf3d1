package main

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/maxpert/sqlwatch/cfg"
	"github.com/maxpert/sqlwatch/db"
	"github.com/maxpert/sqlwatch/observation"
	"github.com/maxpert/sqlwatch/publisher"
	"github.com/maxpert/sqlwatch/region"
	"github.com/rs/zerolog/log"
)

// runningWatches owns the handles and notification queues of configured watches
type runningWatches struct {
	handles []*observation.Handle
	queues  []*observation.SerialQueue
}

// Stop cancels every watch and waits for their reduce queues to exit
func (w *runningWatches) Stop() {
	for _, h := range w.handles {
		h.Cancel()
	}
	for _, h := range w.handles {
		<-h.Done()
	}
	for _, q := range w.queues {
		q.Stop()
	}
}

// startWatches starts one observation per [[watch]] entry. Watches with a
// sink publish every value through it; the others log values.
func startWatches(
	database *db.Database,
	registry *observation.Registry,
	sinks *publisher.Registry,
	watches []cfg.WatchConfiguration,
	defaults cfg.ObservationConfiguration,
) (*runningWatches, error) {
	running := &runningWatches{}

	for _, watch := range watches {
		if err := running.start(database, registry, sinks, watch, defaults); err != nil {
			running.Stop()
			return nil, fmt.Errorf("watch %s: %w", watch.Name, err)
		}
	}

	return running, nil
}

func (w *runningWatches) start(
	database *db.Database,
	registry *observation.Registry,
	sinks *publisher.Registry,
	watch cfg.WatchConfiguration,
	defaults cfg.ObservationConfiguration,
) error {
	reg, err := region.Patterns(watch.Tables...)
	if err != nil {
		return err
	}

	query := watch.Query
	if query == "" {
		query, err = countQuery(watch.Tables[0])
		if err != nil {
			return err
		}
	}

	schedulingName := watch.Scheduling
	if schedulingName == "" {
		schedulingName = defaults.DefaultScheduling
	}
	scheduling, err := observation.ParseScheduling(schedulingName)
	if err != nil {
		return err
	}

	obs := observation.TrackingFunc(reg, func(ctx context.Context, q db.Querier) ([]db.Row, error) {
		return db.FetchRows(ctx, q, query)
	})
	if watch.Distinct {
		obs = observation.RemoveDuplicates(obs)
	}
	obs.Name = watch.Name
	obs.Scheduling = scheduling
	obs.InitialValue = watch.InitialValue

	opts := []observation.Option{
		observation.WithRegistry(registry),
		observation.WithBacklogWarnThreshold(defaults.BacklogWarnThreshold),
	}

	onChange := logValue(watch.Name)
	if watch.Sink == "" {
		opts = append(opts, observation.WithErrorHandler(logError(watch.Name)))
	} else {
		p, err := sinks.NewPublisher(watch.Sink, watch.Name, database.Name(), watch.Topic)
		if err != nil {
			return err
		}

		// Publishing blocks while retrying; keep it off the reduce queue
		queue := observation.NewSerialQueue(watch.Name+"-publish", defaults.BacklogWarnThreshold)
		w.queues = append(w.queues, queue)

		onChange = publisher.OnChange[[]db.Row](p)
		opts = append(opts,
			observation.WithNotificationQueue(queue),
			observation.WithErrorHandler(publisher.OnError(p)),
		)
	}

	handle, err := obs.Start(database, onChange, opts...)
	if err != nil {
		return err
	}
	w.handles = append(w.handles, handle)

	log.Info().
		Str("watch", watch.Name).
		Str("region", handle.Region()).
		Str("scheduling", scheduling.String()).
		Str("sink", watch.Sink).
		Msg("Watch started")

	return nil
}

// countQuery builds SELECT COUNT(*) FROM table
func countQuery(table string) (string, error) {
	query, _, err := goqu.Dialect("sqlite3").
		From(table).
		Select(goqu.COUNT(goqu.Star())).
		ToSQL()
	if err != nil {
		return "", fmt.Errorf("failed to build count query for %s: %w", table, err)
	}
	return query, nil
}

func logValue(watch string) func([]db.Row) {
	return func(rows []db.Row) {
		log.Info().
			Str("watch", watch).
			Interface("rows", rows).
			Msg("Watch value")
	}
}

func logError(watch string) func(error) {
	return func(err error) {
		log.Warn().Err(err).Str("watch", watch).Msg("Watch error")
	}
}
