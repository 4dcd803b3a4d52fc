package db

import (
	"testing"

	"github.com/gocql/gocql"
	"github.com/stretchr/testify/assert"
)

func TestParseConsistency(t *testing.T) {
	cases := map[string]gocql.Consistency{
		"one":          gocql.One,
		"LOCAL_QUORUM": gocql.LocalQuorum,
		"local_one":    gocql.LocalOne,
		"each_quorum":  gocql.EachQuorum,
		"":             gocql.Quorum,
		"bogus":        gocql.Quorum,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseConsistency(in), in)
	}
}

func TestEmbeddedSchemas(t *testing.T) {
	assert.Contains(t, postgresSchema, "CREATE TABLE IF NOT EXISTS call_events")
	assert.Contains(t, scyllaSchema, "call_events_by_call")
	assert.Equal(t, "disable", sslMode(""))
	assert.Equal(t, "require", sslMode("require"))
}
