package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/lib/pq"

	"slidesync/pkg/logger"
)

// Connect opens Postgres and pings it until it answers or maxWait runs out,
// riding out DNS and network blips at startup.
func Connect(ctx context.Context, url string, maxWait time.Duration) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		logger.Sugar.Infof("Database connection failed, retrying in %s... (%v)", next.Round(time.Millisecond), err)
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Sugar.Info("Successfully connected to the database")
	return db, nil
}
