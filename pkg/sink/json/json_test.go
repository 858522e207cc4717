package json

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/logging"
)

func write(t *testing.T, s *Sink, txns ...*api.Transaction) []string {
	t.Helper()
	in := make(chan *api.Transaction, len(txns))
	ack := make(chan string, len(txns))
	for _, txn := range txns {
		in <- txn
	}
	close(in)
	require.NoError(t, s.Write(context.Background(), in, ack))
	close(ack)

	var acked []string
	for id := range ack {
		acked = append(acked, id)
	}
	return acked
}

func TestSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "transactions.json")
	cfg := Config{FilePath: path, BatchSize: 5, FlushInterval: time.Hour}

	s, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Zero(t, s.TransactionCount())

	ruleID := "rule-1"
	acked := write(t, s,
		&api.Transaction{ID: "t1", Vendor: "Cafe", Amount: 4.5, Date: "2026-07-04", RuleID: &ruleID, SourceID: "m1"},
		&api.Transaction{ID: "t2", Vendor: api.UnknownVendor, Date: "2026-07-04", SourceID: "m2"},
	)
	assert.Equal(t, []string{"m1", "m2"}, acked)
	assert.Equal(t, 2, s.TransactionCount())

	var onDisk []map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 2)
	assert.Equal(t, "rule-1", onDisk[0]["notification_rule_id"])
	assert.Nil(t, onDisk[1]["notification_rule_id"])
	assert.NotContains(t, onDisk[0], "SourceID")

	reopened, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.TransactionCount())

	got, ok := reopened.Transaction("t1")
	require.True(t, ok)
	require.NotNil(t, got.RuleID)
	assert.Equal(t, "rule-1", *got.RuleID)
	_, ok = reopened.Transaction("missing")
	assert.False(t, ok)

	write(t, reopened, &api.Transaction{ID: "t3"})
	assert.Equal(t, 3, reopened.TransactionCount())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not an array"), 0o600))
	_, err = New(Config{FilePath: path}, nil)
	require.Error(t, err)
}
