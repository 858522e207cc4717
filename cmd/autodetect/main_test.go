package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covault/autodetect/pkg/api"
	"github.com/covault/autodetect/pkg/config"
	"github.com/covault/autodetect/pkg/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	c := config.Default()
	c.UserID = "u1"
	c.SQLite.Path = filepath.Join(t.TempDir(), "autodetect.db")
	c.JSON.OutputPath = filepath.Join(t.TempDir(), "transactions.json")
	return c
}

func useConfig(t *testing.T, c config.Config) {
	t.Helper()
	prevCfg, prevLogger := cfg, logger
	cfg, logger = c, logging.Discard()
	t.Cleanup(func() { cfg, logger = prevCfg, prevLogger })
}

func TestApply(t *testing.T) {
	useConfig(t, testConfig(t))

	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    []string
		wantErr bool
	}{
		{
			name: "match",
			args: []string{"--amount-regex", `\$([\d,]+\.\d{2})`, "--vendor-regex", `at (.+?) on`, "You spent $1,204.50 at Corner Store on Monday"},
			want: []string{"matched", "vendor: Corner Store", "amount: 1204.50"},
		},
		{
			name:  "stdin",
			args:  []string{"--amount-regex", `\$(\d+\.\d{2})`, "--vendor-regex", `at (.+?) on`},
			stdin: "You spent $7.10 at Bakery on Sat\n",
			want:  []string{"matched", "vendor: Bakery", "amount: 7.10"},
		},
		{
			name: "no match falls back to heuristic",
			args: []string{"--amount-regex", `EUR (\d+)`, "--vendor-regex", `from (\w+)`, "You spent $7.10 at Bakery on Sat"},
			want: []string{"no match", "heuristic fallback", "amount: 7.10"},
		},
		{
			name:    "invalid pattern",
			args:    []string{"--amount-regex", `(unclosed`, "--vendor-regex", `at (.+)`, "text"},
			wantErr: true,
		},
		{
			name:    "no patterns",
			args:    []string{"text"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := applyCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetIn(strings.NewReader(tt.stdin))
			cmd.SetArgs(tt.args)

			err := cmd.ExecuteContext(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}

func TestFlagRequest_FromTransaction(t *testing.T) {
	c := testConfig(t)
	ruleID, raw := "rule-1", "You spent $7.10 at Bakery on Sat"
	txns := []*api.Transaction{
		{ID: "t1", UserID: "u1", RuleID: &ruleID, RawNotification: &raw},
		{ID: "t2", UserID: "u1"},
	}
	data, err := json.Marshal(txns)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.JSON.OutputPath, data, 0o600))
	useConfig(t, c)

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "flaggable", args: []string{"--transaction", "t1", "--vendor", "Bakery"}},
		{name: "no rule", args: []string{"--transaction", "t2"}, wantErr: api.ErrNotFlaggable},
		{name: "unknown", args: []string{"--transaction", "t9"}, wantErr: api.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := flagCmd()
			require.NoError(t, cmd.ParseFlags(tt.args))

			vendor := "Bakery"
			req, err := flagRequest(cmd, &vendor, nil)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "u1", req.UserID)
			assert.Equal(t, "rule-1", req.RuleID)
			assert.Equal(t, raw, req.RawNotification)
		})
	}
}

func TestFlag_RateLimitedOnSQLite(t *testing.T) {
	useConfig(t, testConfig(t))

	flag := func() error {
		cmd := flagCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"--rule", "missing-rule", "--text", "You spent $7.10 at Bakery"})
		return cmd.ExecuteContext(context.Background())
	}

	require.ErrorIs(t, flag(), api.ErrNotFound, "the report is recorded before the rule lookup")
	require.ErrorIs(t, flag(), api.ErrRateLimited)
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	c := testConfig(t)
	c.Store = "redis"
	useConfig(t, c)

	_, _, err := openStore(context.Background(), cfg)
	require.Error(t, err)
}
