package meta_test

import (
	"testing"

	"nyxkv/internal/meta"

	"github.com/stretchr/testify/require"
)

func TestStorePutGetDelete(t *testing.T) {
	st, err := meta.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	key := meta.Uint64Key("k/", 5)
	require.NoError(t, st.Put(meta.BucketRegion, key, []byte("v")))

	got, err := st.Get(meta.BucketRegion, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, st.Delete(meta.BucketRegion, key))
	got, err = st.Get(meta.BucketRegion, key)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestStoreForEachOrdersByID(t *testing.T) {
	dir := t.TempDir()
	st, err := meta.Open(dir)
	require.NoError(t, err)

	for _, id := range []uint64{300, 2, 1 << 40, 17} {
		require.NoError(t, st.Put(meta.BucketRegionCommand, meta.Uint64Key("c/", id), nil))
	}
	require.NoError(t, st.Close())

	st, err = meta.Open(dir)
	require.NoError(t, err)
	defer st.Close()

	var ids []uint64
	require.NoError(t, st.ForEach(meta.BucketRegionCommand, func(k, _ []byte) error {
		id, err := meta.ParseUint64Key("c/", k)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	}))
	require.Equal(t, []uint64{2, 17, 300, 1 << 40}, ids)
}

func TestStoreUnknownBucket(t *testing.T) {
	st, err := meta.Open(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	err = st.Put("missing", []byte("k"), []byte("v"))
	require.ErrorIs(t, err, meta.ErrBucketMissing)

	_, err = meta.ParseUint64Key("c/", []byte("c/short"))
	require.Error(t, err)
}
