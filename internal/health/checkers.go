package health

import (
	"context"
	"fmt"

	"github.com/mbd888/churnrisk/internal/churn"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Ping adapts any ping function, such as a Redis client's, into a Checker.
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Catalog reports the signal catalog version in effect.
func Catalog(p churn.CatalogProvider) Checker {
	return func(ctx context.Context) Status {
		cat := p.Current()
		if cat == nil {
			return Status{Name: "catalog", Healthy: false, Detail: "no catalog loaded"}
		}
		return Status{Name: "catalog", Healthy: true, Detail: fmt.Sprintf("version %s", cat.Version)}
	}
}
