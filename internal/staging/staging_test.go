package staging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/wikidata-harvest/pkg/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Dir {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "temp"))
	require.NoError(t, err)
	return d
}

func cityTable(ids ...string) *table.Table {
	tbl := table.New("city", "country_code")
	for _, id := range ids {
		tbl.Append(map[string]string{"city": id, "country_code": "Q183"})
	}
	return tbl
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "temp")

	d, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, path, d.Path())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = Open("")
	assert.Error(t, err)
}

func TestOpenExisting_DoesNotCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "temp")

	_, err := OpenExisting(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "directory must not be created")

	require.NoError(t, os.Mkdir(path, 0o755))
	d, err := OpenExisting(path)
	require.NoError(t, err)
	assert.Equal(t, path, d.Path())
}

func TestWriteResult_ClearsFailure(t *testing.T) {
	d := openTemp(t)

	require.NoError(t, d.MarkFailed(Record{Key: "Q183Q46", LastError: "timeout"}))
	require.NoError(t, d.WriteResult("Q183Q46", cityTable("Q64")))

	_, err := d.Record("Q183Q46")
	assert.ErrorIs(t, err, ErrNotFound)

	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, 0, status.Failed)
}

func TestMarkFailed_AccumulatesAttempts(t *testing.T) {
	d := openTemp(t)
	payload := json.RawMessage(`{"code":"Q183","continent_code":"Q46"}`)

	require.NoError(t, d.MarkFailed(Record{Key: "Q183Q46", Payload: payload, LastError: "first"}))
	require.NoError(t, d.MarkFailed(Record{Key: "Q183Q46", Payload: payload, Attempts: 1, LastError: "second"}))

	rec, err := d.Record("Q183Q46")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "second", rec.LastError)
	assert.JSONEq(t, string(payload), string(rec.Payload))
	assert.False(t, rec.FailedAt.IsZero())
}

func TestMarkFailed_ReplacesResult(t *testing.T) {
	d := openTemp(t)

	require.NoError(t, d.WriteResult("Q142Q46", cityTable("Q90")))
	require.NoError(t, d.MarkFailed(Record{Key: "Q142Q46"}))

	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, Status{Path: d.Path(), Succeeded: 0, Failed: 1}, status)
}

func TestInvalidKeys(t *testing.T) {
	d := openTemp(t)

	for _, key := range []string{"", "../escape", "a/b", "Q1 Q2", "Q1.csv"} {
		assert.ErrorIs(t, d.WriteResult(key, cityTable()), ErrInvalidKey, "key %q", key)
		assert.ErrorIs(t, d.MarkFailed(Record{Key: key}), ErrInvalidKey, "key %q", key)
	}
}

func TestFailed_SkipsUnreadableRecords(t *testing.T) {
	d := openTemp(t)

	require.NoError(t, d.MarkFailed(Record{Key: "Q30Q49"}))
	require.NoError(t, d.MarkFailed(Record{Key: "Q183Q46"}))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "Q17Q48.failed"), []byte("\x80\x04pickle"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "Q16Q49.failed"), []byte("{"), 0o644))

	records, err := d.Failed()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Q17Q48.failed")
	assert.Contains(t, err.Error(), "Q16Q49.failed")

	require.Len(t, records, 2)
	assert.Equal(t, "Q183Q46", records[0].Key)
	assert.Equal(t, "Q30Q49", records[1].Key)
}

func TestFailed_KeyFromFileName(t *testing.T) {
	d := openTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "Q183Q46.failed"), []byte(`{"attempts":2}`), 0o644))

	records, err := d.Failed()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Q183Q46", records[0].Key)
	assert.Equal(t, 2, records[0].Attempts)
}

func TestResults_ConcatenatesInKeyOrder(t *testing.T) {
	d := openTemp(t)

	require.NoError(t, d.WriteResult("Q183Q46", cityTable("Q64", "Q1055")))
	require.NoError(t, d.WriteResult("Q142Q46", cityTable("Q90")))
	require.NoError(t, d.MarkFailed(Record{Key: "Q30Q49"}))

	merged, err := d.Results()
	require.NoError(t, err)
	assert.Equal(t, []string{"city", "country_code"}, merged.Columns)
	assert.Equal(t, []string{"Q90", "Q64", "Q1055"}, merged.Column("city"))
}

func TestResults_Empty(t *testing.T) {
	d := openTemp(t)

	merged, err := d.Results()
	require.NoError(t, err)
	assert.Equal(t, 0, merged.Len())
}

func TestReset(t *testing.T) {
	d := openTemp(t)
	keep := filepath.Join(d.Path(), "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("keep me"), 0o644))

	require.NoError(t, d.WriteResult("Q183Q46", cityTable("Q64")))
	require.NoError(t, d.MarkFailed(Record{Key: "Q142Q46"}))
	require.NoError(t, d.Reset())

	status, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Succeeded)
	assert.Equal(t, 0, status.Failed)

	_, err = os.Stat(keep)
	assert.NoError(t, err)
}

func TestWriteResult_LeavesNoTempFiles(t *testing.T) {
	d := openTemp(t)
	require.NoError(t, d.WriteResult("Q183Q46", cityTable("Q64")))

	entries, err := os.ReadDir(d.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Q183Q46.csv", entries[0].Name())
}
