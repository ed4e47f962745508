package db

import (
	"path/filepath"
	"testing"

	"github.com/forgehost/forgehost/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestActor(t *testing.T) *Actor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	a, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func mustEtag(s string) *types.ETag {
	e := types.ETag(s)
	return &e
}

func TestUpsertWorkshopItemInsertsThenUpdates(t *testing.T) {
	a := openTestActor(t)

	inserted, pk1, err := a.UpsertWorkshopItem("123", 1, "Vanilla Plus", []string{"alice"})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, pk1)

	inserted, pk2, err := a.UpsertWorkshopItem("123", 1, "Vanilla Plus Renamed", []string{"alice", "bob"})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, pk1, pk2)

	item, err := a.WorkshopItemByPK(pk1)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Vanilla Plus Renamed", item.Title)
	assert.Equal(t, []string{"alice", "bob"}, item.Authors)
}

func TestUpsertWorkshopItemDistinctVersionsAreDistinctRows(t *testing.T) {
	a := openTestActor(t)

	_, pk1, err := a.UpsertWorkshopItem("123", 1, "v1", nil)
	require.NoError(t, err)
	_, pk2, err := a.UpsertWorkshopItem("123", 2, "v2", nil)
	require.NoError(t, err)
	assert.NotEqual(t, pk1, pk2)

	items, err := a.WorkshopItems("123")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestPrimaryKeysAreMonotonic(t *testing.T) {
	a := openTestActor(t)

	var pks []int64
	for i := int64(0); i < 5; i++ {
		_, pk, err := a.UpsertWorkshopItem("999", i, "t", nil)
		require.NoError(t, err)
		pks = append(pks, pk)
	}
	for i := 1; i < len(pks); i++ {
		assert.Greater(t, pks[i], pks[i-1])
	}
}

func TestSaveFileDedupsByETag(t *testing.T) {
	a := openTestActor(t)

	_, itemPK1, err := a.UpsertWorkshopItem("1", 1, "a", nil)
	require.NoError(t, err)
	_, itemPK2, err := a.UpsertWorkshopItem("2", 1, "b", nil)
	require.NoError(t, err)

	etag := mustEtag("abc123")
	filePK1, err := a.SaveFile(itemPK1, 10, etag, []byte("payload"))
	require.NoError(t, err)

	filePK2, err := a.SaveFile(itemPK2, 10, etag, []byte("payload"))
	require.NoError(t, err)

	assert.Equal(t, filePK1, filePK2, "identical etag must dedup to the same file row")

	data, err := a.WorkshopItemFile(itemPK2)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestSaveFileRejectsUnknownItem(t *testing.T) {
	a := openTestActor(t)

	_, err := a.SaveFile(9999, 1, nil, []byte("x"))
	assert.Error(t, err)
}

func TestSaveBuildRejectsWhenItemsMissingFiles(t *testing.T) {
	a := openTestActor(t)

	_, pkWithFile, err := a.UpsertWorkshopItem("1", 1, "has file", nil)
	require.NoError(t, err)
	_, err = a.SaveFile(pkWithFile, 1, mustEtag("e1"), []byte("x"))
	require.NoError(t, err)

	_, pkWithoutFile, err := a.UpsertWorkshopItem("2", 1, "no file", nil)
	require.NoError(t, err)

	result, err := a.SaveBuild("mybuild", []int64{pkWithFile, pkWithoutFile})
	require.NoError(t, err)
	assert.Zero(t, result.PK)
	assert.Equal(t, []int64{pkWithoutFile}, result.Missing)

	build, err := a.GetBuild(result.PK)
	require.NoError(t, err)
	assert.Nil(t, build, "a rejected build must not be persisted")
}

func TestSaveBuildSucceedsAndPreservesOrder(t *testing.T) {
	a := openTestActor(t)

	_, pk1, err := a.UpsertWorkshopItem("1", 1, "first", nil)
	require.NoError(t, err)
	_, err = a.SaveFile(pk1, 1, mustEtag("e1"), []byte("a"))
	require.NoError(t, err)

	_, pk2, err := a.UpsertWorkshopItem("2", 1, "second", nil)
	require.NoError(t, err)
	_, err = a.SaveFile(pk2, 1, mustEtag("e2"), []byte("b"))
	require.NoError(t, err)

	result, err := a.SaveBuild("ordered", []int64{pk2, pk1})
	require.NoError(t, err)
	require.NotZero(t, result.PK)
	assert.Empty(t, result.Missing)

	build, err := a.GetBuild(result.PK)
	require.NoError(t, err)
	require.NotNil(t, build)
	require.Len(t, build.Items, 2)
	assert.Equal(t, pk2, build.Items[0].ItemPK)
	assert.Equal(t, pk1, build.Items[1].ItemPK)

	files, err := a.BuildItemFiles(result.PK)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, []byte("b"), files[0].Data)
	assert.Equal(t, []byte("a"), files[1].Data)
}

func TestNewPublishLinksOnlyBuildsWithFragments(t *testing.T) {
	a := openTestActor(t)

	_, pk1, err := a.UpsertWorkshopItem("1", 1, "a", nil)
	require.NoError(t, err)
	_, err = a.SaveFile(pk1, 1, mustEtag("e1"), []byte("x"))
	require.NoError(t, err)

	ready, err := a.SaveBuild("ready", []int64{pk1})
	require.NoError(t, err)
	require.NoError(t, a.SaveBuildResultFields(ready.PK, 0, "ok", []byte("fragment-bytes")))

	notReady, err := a.SaveBuild("not-ready", []int64{pk1})
	require.NoError(t, err)
	// notReady.ExitCode/Output/Fragment are never set — its fragment stays NULL.
	_ = notReady

	publish, err := a.NewPublish()
	require.NoError(t, err)
	require.Len(t, publish.Fragments, 1)
	assert.Equal(t, ready.PK, publish.Fragments[0].BuildPK)
	assert.Equal(t, []byte("fragment-bytes"), publish.Fragments[0].Fragment)

	built, err := a.GetBuild(ready.PK)
	require.NoError(t, err)
	require.NotNil(t, built.Published)
	assert.Equal(t, publish.PK, *built.Published)
}

func TestGetPublishRoundTrip(t *testing.T) {
	a := openTestActor(t)

	publish, err := a.NewPublish()
	require.NoError(t, err)

	require.NoError(t, a.SavePublishResult(publish.PK, 0, "deployed", "https://example.test/site"))

	got, err := a.GetPublish(publish.PK)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, int64(0), *got.ExitCode)
	assert.Equal(t, "deployed", got.Output)
	assert.Equal(t, "https://example.test/site", got.PublicURL)
}

func TestGetBuildMissingReturnsNilNotError(t *testing.T) {
	a := openTestActor(t)

	build, err := a.GetBuild(123456)
	require.NoError(t, err)
	assert.Nil(t, build)
}
