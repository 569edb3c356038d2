package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kstore/columnar"
)

func writeConfig(t *testing.T, kind string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kstore.yaml")
	content := "bucket:\n" +
		"  kind: " + kind + "\n" +
		"  page_size: 2\n" +
		"  pool_size: 2\n" +
		"log:\n" +
		"  level: warn\n" +
		"device:\n" +
		"  kind: local\n" +
		"  root: " + filepath.Join(dir, "store") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	for _, kind := range []string{"page", "stream"} {
		t.Run(kind, func(t *testing.T) {
			cfg := writeConfig(t, kind)

			out, err := run(t, "sample", "--config", cfg)
			require.NoError(t, err)
			assert.Contains(t, out, "@0 Europe France 67795000 123\n")
			assert.Contains(t, out, "reloaded bucket0\n")
			assert.Equal(t, 2, strings.Count(out, "@3 Africa Kenya"))

			out, err = run(t, "scan", "bucket0", "--config", cfg, "--columns", "country", "--ids", "1-2")
			require.NoError(t, err)
			assert.Equal(t, "@1 Spain\n@2 Japan\n", out)

			out, err = run(t, "delete", "bucket0", "--config", cfg, "--ids", "0")
			require.NoError(t, err)
			assert.Equal(t, "bucket0: 1 rows removed, 3 left\n", out)

			out, err = run(t, "compact", "bucket0", "--config", cfg, "--rows", "0")
			require.NoError(t, err)
			assert.Contains(t, out, "bucket0: 2 rows")

			out, err = run(t, "scan", "bucket0", "--config", cfg, "--columns", "country")
			require.NoError(t, err)
			assert.Equal(t, "@2 Japan\n@3 Kenya\n", out)

			out, err = run(t, "stat", "--config", cfg)
			require.NoError(t, err)
			assert.Contains(t, out, "BUCKET")
			assert.Contains(t, out, "bucket0")
			assert.Contains(t, out, kind)

			target := filepath.Join(t.TempDir(), "out.parquet")
			out, err = run(t, "export", "bucket0", "--config", cfg, "-o", target)
			require.NoError(t, err)
			assert.Contains(t, out, "2 rows written")
			info, err := os.Stat(target)
			require.NoError(t, err)
			assert.Positive(t, info.Size())
		})
	}
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t, "page")
	_, err := run(t, "sample", "--config", cfg)
	require.NoError(t, err)

	_, err = run(t, "scan", "nope", "--config", cfg)
	assert.ErrorContains(t, err, `no bucket "nope"`)

	_, err = run(t, "scan", "bucket0", "--config", cfg, "--columns", "capital")
	assert.ErrorContains(t, err, "unknown column")

	_, err = run(t, "delete", "bucket0", "--config", cfg)
	assert.ErrorContains(t, err, "nothing to delete")

	_, err = run(t, "stat", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseSchema(t *testing.T) {
	t.Run("country", func(t *testing.T) {
		cols, err := parseSchema(countrySchema)
		require.NoError(t, err)
		require.Len(t, cols, 4)
		assert.Equal(t, "density", cols[3].Name)
		assert.Equal(t, columnar.Float64, cols[3].Type)
		assert.Equal(t, columnar.Int64, cols[2].Type)
	})

	t.Run("computed", func(t *testing.T) {
		cols, err := parseSchema("a:int32, b:string:computed")
		require.NoError(t, err)
		require.Len(t, cols, 2)
		assert.False(t, cols[0].Computed)
		assert.True(t, cols[1].Computed)
		assert.Equal(t, columnar.CodecVoid, cols[1].CodecKind())
	})

	t.Run("invalid", func(t *testing.T) {
		for _, def := range []string{"", "a", "a:int128", ":int32", "a:int32:sparse", "a:b:c:d"} {
			_, err := parseSchema(def)
			assert.Error(t, err, def)
		}
	})
}

func TestParseIDs(t *testing.T) {
	bm, err := parseIDs(nil)
	require.NoError(t, err)
	assert.Nil(t, bm)

	bm, err = parseIDs([]string{"1", "4-6", " 9 "})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 4, 5, 6, 9}, bm.ToArray())

	for _, bad := range []string{"x", "3-1", "1-y", "-1"} {
		_, err := parseIDs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestColumnIndexes(t *testing.T) {
	cols, err := parseSchema(countrySchema)
	require.NoError(t, err)

	all, err := columnIndexes(cols, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, all)

	some, err := columnIndexes(cols, []string{"country", "density"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, some)
}
