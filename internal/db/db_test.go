package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zb.sqlite3")
	d, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRecordInstallIncrementsRefcount(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "a", "1.0", "sha-shared", time.Now()))
	require.NoError(t, d.RecordInstall(ctx, "b", "1.0", "sha-shared", time.Now()))

	keys, err := d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	kegA, ok, err := d.GetInstalled(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sha-shared", kegA.StoreKey)
}

func TestRecordInstallSameStoreKeyIsNoOp(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "foo", "1.0", "sha-foo", time.Now()))
	require.NoError(t, d.RecordInstall(ctx, "foo", "1.0", "sha-foo", time.Now()))

	n, err := d.GetRefcount(ctx, "sha-foo")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordInstallDifferentStoreKeyMovesRefcount(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "foo", "1.0", "sha-old", time.Now()))
	require.NoError(t, d.RecordInstall(ctx, "foo", "2.0", "sha-new", time.Now()))

	oldCount, err := d.GetRefcount(ctx, "sha-old")
	require.NoError(t, err)
	require.Equal(t, 0, oldCount)

	newCount, err := d.GetRefcount(ctx, "sha-new")
	require.NoError(t, err)
	require.Equal(t, 1, newCount)

	keys, err := d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Contains(t, keys, "sha-old")
}

func TestRecordUninstallDecrementsRefcountToZero(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "solo", "1.0", "sha-solo", time.Now()))
	require.NoError(t, d.RecordUninstall(ctx, "solo"))

	_, ok, err := d.GetInstalled(ctx, "solo")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"sha-solo"}, keys)
}

func TestDiamondDependencyRetainsSharedStoreKeyUntilBothUninstalled(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "left", "1.0", "sha-base", time.Now()))
	require.NoError(t, d.RecordInstall(ctx, "right", "1.0", "sha-base", time.Now()))

	require.NoError(t, d.RecordUninstall(ctx, "left"))
	keys, err := d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys, "shared store key must survive while any referencing keg remains installed")

	require.NoError(t, d.RecordUninstall(ctx, "right"))
	keys, err = d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"sha-base"}, keys)
}

func TestRecordLinkedFileAndLookup(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "tool", "1.0", "sha-tool", time.Now()))
	require.NoError(t, d.RecordLinkedFile(ctx, "tool", "1.0", "/opt/zb/bin/tool", "/opt/zb/Cellar/tool/1.0/bin/tool"))

	files, err := d.LinkedFilesFor(ctx, "tool", "1.0")
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "/opt/zb/bin/tool", files[0].LinkPath)
}

func TestListInstalledOrdersByName(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "zeta", "1.0", "sha-z", time.Now()))
	require.NoError(t, d.RecordInstall(ctx, "alpha", "1.0", "sha-a", time.Now()))

	kegs, err := d.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, kegs, 2)
	require.Equal(t, "alpha", kegs[0].Name)
	require.Equal(t, "zeta", kegs[1].Name)
}

func TestDeleteStoreRefOnlyRemovesZeroRefcount(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, d.RecordInstall(ctx, "tool", "1.0", "sha-tool", time.Now()))
	require.NoError(t, d.DeleteStoreRef(ctx, "sha-tool"))

	n, err := d.GetRefcount(ctx, "sha-tool")
	require.NoError(t, err)
	require.Equal(t, 1, n, "a referenced store key must not be deletable")

	keys, err := d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys, "a referenced store key must not be deletable")

	require.NoError(t, d.RecordUninstall(ctx, "tool"))
	require.NoError(t, d.DeleteStoreRef(ctx, "sha-tool"))
	keys, err = d.GetUnreferencedStoreKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}
