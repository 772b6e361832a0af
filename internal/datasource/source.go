// Package datasource syncs worker market-data files from remote stores into
// the local data root the workers read through XSIGMA_DATA_ROOT.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source copies files from one remote store into a Destination.
type Source interface {
	Name() string
	Sync(ctx context.Context, dest *Destination) (Report, error)
}

// Report summarises one source's sync.
type Report struct {
	Source   string        `json:"source"`
	Files    int           `json:"files"`
	Skipped  int           `json:"skipped"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"-"`
}

// FromEnv instantiates the named sources from their environment variables.
// With strict unset a source that cannot be configured is logged and
// skipped, otherwise its error is returned.
func FromEnv(ctx context.Context, names []string, strict bool, logger zerolog.Logger) ([]Source, error) {
	var (
		instances []Source
		errs      []error
	)
	for _, name := range names {
		var (
			src Source
			err error
		)
		switch name {
		case "s3":
			src, err = NewS3Source(ctx)
		case "azure":
			src, err = NewAzureSource()
		case "sftp":
			src, err = NewSFTPSource()
		case "ftps":
			src, err = NewFTPSSource()
		default:
			err = fmt.Errorf("unknown data source %q", name)
		}
		if err != nil {
			logger.Error().Err(err).Str("source", name).Msg("failed to init data source")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		logger.Info().Str("source", src.Name()).Msg("initialized data source")
		instances = append(instances, src)
	}
	if strict && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return instances, nil
}

// maxParallelSyncs bounds concurrent source syncs.
const maxParallelSyncs = 4

// SyncAll runs every source in parallel. All sources are attempted; the
// returned error joins every failure.
func SyncAll(ctx context.Context, sources []Source, dest *Destination, logger zerolog.Logger) ([]Report, error) {
	var (
		mu      sync.Mutex
		reports []Report
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(maxParallelSyncs)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			start := time.Now()
			report, err := src.Sync(ctx, dest)
			report.Source = src.Name()
			report.Duration = time.Since(start)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				logger.Error().Err(err).Str("source", src.Name()).Msg("data sync failed")
				errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
				return nil
			}
			logger.Info().
				Str("source", report.Source).
				Int("files", report.Files).
				Int("skipped", report.Skipped).
				Int64("bytes", report.Bytes).
				Dur("took", report.Duration).
				Msg("data sync complete")
			reports = append(reports, report)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}
