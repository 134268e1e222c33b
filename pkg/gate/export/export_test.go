package export

import (
	"context"
	"errors"
	"testing"

	"github.com/marmos91/dittogate/internal/command"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGate(t *testing.T, initial string) (*Gate, afero.Fs, *command.Recorder) {
	t.Helper()

	fs := afero.NewMemMapFs()
	if initial != "" {
		require.NoError(t, afero.WriteFile(fs, DefaultExportsFile, []byte(initial), 0o644))
	}
	rec := &command.Recorder{}
	gate := New(Config{Path: "/mnt/secure_nas"}, fs, CommandReloader{Runner: rec})
	return gate, fs, rec
}

func readExports(t *testing.T, fs afero.Fs) string {
	t.Helper()
	data, err := afero.ReadFile(fs, DefaultExportsFile)
	require.NoError(t, err)
	return string(data)
}

func TestExportWritesLineAndReloads(t *testing.T) {
	ctx := context.Background()
	gate, fs, rec := newTestGate(t, "")

	h, err := gate.Export(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.True(t, h.Applied())

	assert.Equal(t, "/mnt/secure_nas 10.0.0.5(rw,sync,no_subtree_check,root_squash)\n", readExports(t, fs))
	assert.Equal(t, []string{"exportfs -ra"}, rec.Calls())
}

func TestExportIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := newTestGate(t, "")

	_, err := gate.Export(ctx, "10.0.0.5")
	require.NoError(t, err)
	_, err = gate.Export(ctx, "10.0.0.5")
	require.NoError(t, err)

	entries, err := gate.Entries()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReleaseRestoresTable(t *testing.T) {
	ctx := context.Background()
	before := "# managed by hand\n/srv/media 192.168.1.0/24(ro)\n"
	gate, fs, _ := newTestGate(t, before)

	h, err := gate.Export(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
	require.NoError(t, h.Release(ctx))

	assert.Equal(t, before, readExports(t, fs))
}

func TestRemoveMatchesWholeAddress(t *testing.T) {
	ctx := context.Background()
	gate, fs, _ := newTestGate(t, "/mnt/secure_nas 10.0.0.50(rw) 10.0.0.5(rw)\n")

	require.NoError(t, gate.Remove(ctx, "10.0.0.5"))

	assert.Equal(t, "/mnt/secure_nas 10.0.0.50(rw)\n", readExports(t, fs))
}

func TestRemoveAllSingleReload(t *testing.T) {
	ctx := context.Background()
	gate, _, rec := newTestGate(t, "")

	_, err := gate.Export(ctx, "10.0.0.5")
	require.NoError(t, err)
	_, err = gate.Export(ctx, "10.0.0.6")
	require.NoError(t, err)

	require.NoError(t, gate.RemoveAll(ctx, []string{"10.0.0.5", "10.0.0.6"}))

	entries, err := gate.Entries()
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Len(t, rec.Calls(), 3)
}

func TestReloadFailureMarksNotApplied(t *testing.T) {
	ctx := context.Background()
	gate, fs, rec := newTestGate(t, "")
	rec.Fail = func(string) error { return errors.New("exportfs: command not found") }

	h, err := gate.Export(ctx, "10.0.0.5")
	require.Error(t, err)
	require.NotNil(t, h)
	assert.False(t, h.Applied())

	rec.Fail = nil
	require.NoError(t, h.Release(ctx))
	assert.Empty(t, readExports(t, fs))
}

func TestRemoveWithoutLineSkipsReload(t *testing.T) {
	ctx := context.Background()
	gate, _, rec := newTestGate(t, "/srv/media 192.168.1.0/24(ro)\n")

	require.NoError(t, gate.RemoveAll(ctx, []string{"10.0.0.9"}))
	assert.Empty(t, rec.Calls())
}

func TestUnwrittenExportReleasesWithoutReload(t *testing.T) {
	ctx := context.Background()
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, DefaultExportsFile, nil, 0o644))
	rec := &command.Recorder{}
	gate := New(Config{Path: "/mnt/secure_nas"}, afero.NewReadOnlyFs(base), CommandReloader{Runner: rec})

	h, err := gate.Export(ctx, "10.0.0.5")
	require.Error(t, err)
	assert.False(t, h.Applied())

	require.NoError(t, h.Release(ctx))
	assert.Empty(t, rec.Calls())
}

func TestEntriesParsesClauses(t *testing.T) {
	gate, _, _ := newTestGate(t, "/a 10.0.0.1(rw,sync) 10.0.0.2(ro)\n\n# comment\n/b host\n")

	entries, err := gate.Entries()
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Path: "/a", Client: "10.0.0.1", Options: "rw,sync"},
		{Path: "/a", Client: "10.0.0.2", Options: "ro"},
		{Path: "/b", Client: "host", Options: ""},
	}, entries)
}
