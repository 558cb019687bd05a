package main

import (
	"context"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/numbers"
	"github.com/outofforest/numbers/store"
	"github.com/outofforest/run"
)

func main() {
	run.New().Run(context.Background(), "numbers", func(ctx context.Context) error {
		return runPeer(ctx, os.Args[1:])
	})
}

func runPeer(ctx context.Context, args []string) (retErr error) {
	config, err := loadConfig(args)
	if err != nil {
		return err
	}

	s, err := store.Open(config.storeConfig())
	if err != nil {
		return err
	}
	defer func() {
		retErr = multierr.Append(retErr, s.Close())
	}()

	dialer, err := numbers.NewDialer(config.dialerConfig(), s)
	if err != nil {
		return err
	}

	driver, err := numbers.NewDriver(config.driverConfig(), s, dialer)
	if err != nil {
		return err
	}

	if err := runWithRetries(ctx, driver, newBackOff()); err != nil {
		return err
	}

	logger.Get(ctx).Info("Numbers test finished")
	return nil
}

// runWithRetries reruns the driver after transport failures. Every run resumes from the store.
func runWithRetries(ctx context.Context, driver *numbers.Driver, b backoff.BackOff) error {
	log := logger.Get(ctx)

	return backoff.RetryNotify(func() error {
		err := driver.Run(ctx)
		if err != nil && !numbers.IsTransportError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, delay time.Duration) {
		log.Warn("Run failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	})
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}
