package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/conversation-campaign/internal/config"
)

// Scylla wraps a gocql session.
type Scylla struct {
	session *gocql.Session
}

// NewScylla opens the session used by the conversation event log.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("scylla: no hosts configured")
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	return &Scylla{session: session}, nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Ping runs a trivial query against the local node.
func (s *Scylla) Ping(ctx context.Context) error {
	return s.session.Query(`SELECT release_version FROM system.local`).WithContext(ctx).Exec()
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	case "all":
		return gocql.All
	default:
		return gocql.Quorum
	}
}
