package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracking-catalog/internal/store"
)

const plans = `
plans:
  - name: Checkout
    events:
      - name: Purchase
        type: track
        properties:
          - {name: amount, type: number, required: true}
      - type: identify
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writePlans(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(plans), 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"migrate", "apply"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
	require.NotNil(t, cmd.PersistentFlags().Lookup("dsn"))
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	_, err := run(t, "migrate", "sideways", "--dsn", "memory://")
	require.Error(t, err)
}

func TestApplyToSQLiteIsIdempotent(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "catalog.db")
	file := writePlans(t)

	out, err := run(t, "migrate", "up", "--dsn", dsn)
	require.NoError(t, err)
	require.Contains(t, out, "migrate up complete")

	out, err = run(t, "apply", "-f", file, "--dsn", dsn)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "created Checkout"), out)
	require.Contains(t, out, "2 attached, 0 already bound")

	out, err = run(t, "apply", "-f", file, "--dsn", dsn)
	require.NoError(t, err)
	require.Contains(t, out, "updated Checkout")
	require.Contains(t, out, "0 attached, 2 already bound")

	st, err := store.Open(context.Background(), dsn)
	require.NoError(t, err)
	defer st.Close()
	events, err := st.ListEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestApplyDryRun(t *testing.T) {
	out, err := run(t, "apply", "-f", writePlans(t), "--dry-run", "--dsn", "memory://")
	require.NoError(t, err)
	require.Contains(t, out, "1 plan(s) valid")
}

func TestApplyRequiresFile(t *testing.T) {
	_, err := run(t, "apply", "--dsn", "memory://")
	require.Error(t, err)
}
