package db

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/gocql/gocql"

	"github.com/acme/campaign-dialer/internal/config"
)

//go:embed schema/scylla.cql
var scyllaSchema string

// Scylla wraps a gocql session used for the call-event archive.
type Scylla struct {
	session *gocql.Session
}

// NewScylla creates a new Scylla session and ensures the archive tables exist.
func NewScylla(cfg config.ScyllaConfig) (*Scylla, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}
	cluster.RetryPolicy = &gocql.SimpleRetryPolicy{NumRetries: 3}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla: create session: %w", err)
	}

	s := &Scylla{session: session}
	if !cfg.DisableInitSchema {
		if err := s.EnsureSchema(); err != nil {
			session.Close()
			return nil, err
		}
	}
	return s, nil
}

// EnsureSchema creates the archive tables. CQL runs one statement per query.
func (s *Scylla) EnsureSchema() error {
	for _, stmt := range strings.Split(scyllaSchema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if err := s.session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("scylla: ensure schema: %w", err)
		}
	}
	return nil
}

// Session exposes the gocql session.
func (s *Scylla) Session() *gocql.Session {
	return s.session
}

// Close shuts down the session.
func (s *Scylla) Close() error {
	if s.session != nil {
		s.session.Close()
	}
	return nil
}

func parseConsistency(level string) gocql.Consistency {
	switch strings.ToLower(level) {
	case "one":
		return gocql.One
	case "local_quorum":
		return gocql.LocalQuorum
	case "local_one":
		return gocql.LocalOne
	case "each_quorum":
		return gocql.EachQuorum
	default:
		return gocql.Quorum
	}
}
