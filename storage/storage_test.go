package storage

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"
)

type storedQuote struct {
	ID     string
	Amount uint64
	Script []byte
}

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestStoreRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)

	in := storedQuote{ID: "quote-1", Amount: 10_000_000, Script: []byte{0x63, 0xa8}}
	require.NoError(t, store.KVPut([]byte("bridge/intent/quote-1"), &in))

	var out storedQuote
	ok, err := store.KVGet([]byte("bridge/intent/quote-1"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)
}

func TestStoreMissingKey(t *testing.T) {
	store, _ := openTestStore(t)

	var out storedQuote
	ok, err := store.KVGet([]byte("bridge/intent/absent"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreExistenceProbe(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.KVPut([]byte("probe"), &storedQuote{ID: "x"}))
	ok, err := store.KVGet([]byte("probe"), nil)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreListAppend(t *testing.T) {
	store, _ := openTestStore(t)

	key := []byte("bridge/intents/by-time")
	for _, id := range []string{"a", "b", "c"} {
		encoded, err := rlp.EncodeToBytes(id)
		require.NoError(t, err)
		require.NoError(t, store.KVAppend(key, encoded))
	}

	var entries [][]byte
	require.NoError(t, store.KVGetList(key, &entries))
	require.Len(t, entries, 3)

	var last string
	require.NoError(t, rlp.DecodeBytes(entries[2], &last))
	require.Equal(t, "c", last)
}

func TestStoreMissingListIsEmpty(t *testing.T) {
	store, _ := openTestStore(t)

	var entries [][]byte
	require.NoError(t, store.KVGetList([]byte("no-such-list"), &entries))
	require.Empty(t, entries)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.KVPut([]byte("peg/supply"), &storedQuote{ID: "supply", Amount: 42}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	var out storedQuote
	ok, err := reopened.KVGet([]byte("peg/supply"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), out.Amount)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("   ")
	require.ErrorIs(t, err, ErrPathRequired)
}
