package rpc

import (
	"context"
	"sync"
	"testing"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/message"
	"github.com/andydunstall/kadstore/internal/number"
	"github.com/andydunstall/kadstore/internal/storage"
	"github.com/andydunstall/kadstore/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageRPC_PutGet(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	result, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key: storage.NewData([]byte("hello")),
	}, PutOptions{})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, storage.StatusOK, result.Statuses[key])

	dataMap, err := client.StorageRPC.Get(ctx, server.Addr, Query{
		Location: key.Location,
		Domain:   key.Domain,
		Keys:     []number.Key{key},
	})
	require.NoError(t, err)
	require.Contains(t, dataMap, key)
	assert.Equal(t, []byte("hello"), dataMap[key].Value)
}

func TestStorageRPC_PutIfAbsent(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	_, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key: storage.NewData([]byte("first")),
	}, PutOptions{PutIfAbsent: true})
	require.NoError(t, err)

	result, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key: storage.NewData([]byte("second")),
	}, PutOptions{PutIfAbsent: true})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailedNotAbsent, result.Statuses[key])
	assert.Equal(t, message.TypeDenied, result.Type)

	data, ok := server.Storage.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data.Value)
}

func TestStorageRPC_DomainProtection(t *testing.T) {
	net := transport.NewMockNetwork()
	owner := newFakePeer(t, net, "owner")
	other := newFakePeer(t, net, "other")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	result, err := owner.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key: storage.NewData([]byte("owner")),
	}, PutOptions{ProtectDomain: true})
	require.NoError(t, err)
	require.True(t, result.OK())

	result, err = other.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key:              storage.NewData([]byte("other")),
		testKey("other"): storage.NewData([]byte("other")),
	}, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailedSecurity, result.Statuses[key])
	assert.Equal(t, storage.StatusFailedSecurity, result.Statuses[testKey("other")])

	dataMap, err := other.StorageRPC.Get(ctx, server.Addr, NewQuery(key.Location, key.Domain))
	require.NoError(t, err)
	assert.Equal(t, 1, len(dataMap))
	assert.Equal(t, []byte("owner"), dataMap[key].Value)

	// Others cannot remove from the domain either.
	removeResult, err := other.StorageRPC.Remove(ctx, server.Addr, Query{
		Location: key.Location,
		Domain:   key.Domain,
		Keys:     []number.Key{key},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailedSecurity, removeResult.Statuses[key])

	// The owner can transfer the domain.
	result, err = owner.StorageRPC.PutDomainMeta(ctx, server.Addr, key.DomainKey(), other.PublicKey())
	require.NoError(t, err)
	assert.True(t, result.OK())

	result, err = other.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		testKey("other"): storage.NewData([]byte("other")),
	}, PutOptions{})
	require.NoError(t, err)
	assert.True(t, result.OK())
}

func TestStorageRPC_EntryProtectionIgnoresDataKey(t *testing.T) {
	net := transport.NewMockNetwork()
	owner := newFakePeer(t, net, "owner")
	other := newFakePeer(t, net, "other")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	data := storage.NewData([]byte("owner"))
	data.ProtectedEntry = true
	result, err := owner.StorageRPC.Put(ctx, server.Addr, storage.DataMap{key: data}, PutOptions{})
	require.NoError(t, err)
	require.True(t, result.OK())

	forged := storage.NewData([]byte("other"))
	forged.ProtectedEntry = true
	forged.PublicKey = owner.PublicKey()
	result, err = other.StorageRPC.Put(ctx, server.Addr, storage.DataMap{key: forged}, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailedSecurity, result.Statuses[key])

	got, ok := server.Storage.Get(key)
	require.True(t, ok)
	assert.Equal(t, []byte("owner"), got.Value)
}

func TestStorageRPC_AddList(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("list")
	value := storage.NewData([]byte("same"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	stored := make(map[number.Key]struct{})
	for i := 0; i != 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := client.StorageRPC.Add(ctx, server.Addr, storage.DataMap{key: value}, AddOptions{List: true})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for k, status := range result.Statuses {
				assert.Equal(t, storage.StatusOK, status)
				stored[k] = struct{}{}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, len(stored))

	dataMap, err := client.StorageRPC.Get(ctx, server.Addr, NewQuery(key.Location, key.Domain))
	require.NoError(t, err)
	assert.Equal(t, 50, len(dataMap))
	for k := range stored {
		assert.Contains(t, dataMap, k)
	}
}

func TestStorageRPC_Add(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	for i := 0; i != 2; i++ {
		result, err := client.StorageRPC.Add(ctx, server.Addr, storage.DataMap{
			key: storage.NewData([]byte("same")),
		}, AddOptions{})
		require.NoError(t, err)
		assert.True(t, result.OK())
	}
	// Without list mode the same key is overwritten.
	assert.Equal(t, 1, server.Storage.Len())
}

func TestStorageRPC_Remove(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	k1 := testKey("c1")
	k2 := testKey("c2")
	_, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		k1: storage.NewData([]byte("v1")),
		k2: storage.NewData([]byte("v2")),
	}, PutOptions{})
	require.NoError(t, err)

	removed, err := client.StorageRPC.RemoveReturn(ctx, server.Addr, Query{
		Location: k1.Location,
		Domain:   k1.Domain,
		Keys:     []number.Key{k1},
	})
	require.NoError(t, err)
	require.Contains(t, removed, k1)
	assert.Equal(t, []byte("v1"), removed[k1].Value)

	result, err := client.StorageRPC.Remove(ctx, server.Addr, Query{
		Location: k1.Location,
		Domain:   k1.Domain,
		Keys:     []number.Key{k1, k2},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNotFound, result.Statuses[k1])
	assert.Equal(t, storage.StatusOK, result.Statuses[k2])
	assert.Equal(t, message.TypePartiallyOK, result.Type)
	assert.Equal(t, 0, server.Storage.Len())
}

func TestStorageRPC_RemoveDomain(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	dataMap := storage.DataMap{
		testKey("c1"): storage.NewData([]byte("v1")),
		testKey("c2"): storage.NewData([]byte("v2")),
	}
	_, err := client.StorageRPC.Put(ctx, server.Addr, dataMap, PutOptions{})
	require.NoError(t, err)

	key := testKey("c1")
	removed, err := client.StorageRPC.RemoveReturn(ctx, server.Addr, NewQuery(key.Location, key.Domain))
	require.NoError(t, err)
	assert.Equal(t, 2, len(removed))
	assert.Equal(t, 0, server.Storage.Len())
}

func TestStorageRPC_GetQueries(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	location := number.HashString("loc1")
	domain := number.HashString("dom1")
	var keys []number.Key
	dataMap := make(storage.DataMap)
	for i := uint64(1); i <= 5; i++ {
		key := number.NewKey(location, domain, number.FromUint64(i), number.Zero)
		keys = append(keys, key)
		dataMap[key] = storage.NewData([]byte{byte(i)})
	}
	_, err := client.StorageRPC.Put(ctx, server.Addr, dataMap, PutOptions{})
	require.NoError(t, err)

	contentFilter, err := bloom.New(16, 2)
	require.NoError(t, err)
	contentFilter.Add(keys[0].Content)
	contentFilter.Add(keys[1].Content)

	tests := []struct {
		name     string
		query    Query
		expected []number.Key
	}{
		{
			name:     "all",
			query:    NewQuery(location, domain),
			expected: keys,
		},
		{
			name: "range ascending with limit",
			query: Query{
				Location: location,
				Domain:   domain,
				Range:    &KeyRange{From: keys[1], To: keys[4]},
				Limit:    2,
			},
			expected: keys[1:3],
		},
		{
			name: "range descending with limit",
			query: Query{
				Location:   location,
				Domain:     domain,
				Range:      &KeyRange{From: keys[1], To: keys[4]},
				Limit:      2,
				Descending: true,
			},
			expected: keys[3:5],
		},
		{
			name: "content filter",
			query: Query{
				Location:      location,
				Domain:        domain,
				ContentFilter: contentFilter,
				Limit:         storage.NoLimit,
			},
			expected: keys[0:2],
		},
		{
			name: "content filter excludes",
			query: Query{
				Location:      location,
				Domain:        domain,
				ContentFilter: contentFilter,
				MatchAny:      true,
				Limit:         storage.NoLimit,
			},
			expected: keys[2:5],
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataMap, err := client.StorageRPC.Get(ctx, server.Addr, tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, dataMap.SortedKeys())
		})
	}
}

func TestStorageRPC_GetChangedValues(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	k1 := testKey("c1")
	k2 := testKey("c2")
	server.Storage.Put(k1, storage.NewData([]byte("v1")), nil, false, false)
	server.Storage.Put(k2, storage.NewData([]byte("v2-new")), nil, false, false)

	hashes, err := bloom.New(16, 2)
	require.NoError(t, err)
	hashes.Add(number.Hash([]byte("v1")))
	hashes.Add(number.Hash([]byte("v2-old")))

	dataMap, err := client.StorageRPC.Get(ctx, server.Addr, Query{
		Location:   k1.Location,
		Domain:     k1.Domain,
		HashFilter: hashes,
		MatchAny:   true,
		Limit:      storage.NoLimit,
	})
	require.NoError(t, err)
	require.Len(t, dataMap, 1)
	assert.Equal(t, []byte("v2-new"), dataMap[k2].Value)
}

func TestStorageRPC_Digest(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	k1 := testKey("c1")
	k2 := testKey("c2")
	_, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		k1: storage.NewData([]byte("v1")),
		k2: storage.NewData([]byte("v2")),
	}, PutOptions{})
	require.NoError(t, err)

	q := NewQuery(k1.Location, k1.Domain)

	info, err := client.StorageRPC.Digest(ctx, server.Addr, q)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Size())
	assert.True(t, info.Equal(server.Storage.Digest(k1.DomainKey().Min(), k1.DomainKey().Max(), storage.NoLimit, true)))
	assert.Equal(t, number.Hash([]byte("v1")).Xor(number.Hash([]byte("v2"))), info.ContentDigest())

	contentKeys, contentHashes, err := client.StorageRPC.DigestBloomFilter(ctx, server.Addr, q)
	require.NoError(t, err)
	require.NotNil(t, contentKeys)
	require.NotNil(t, contentHashes)
	assert.True(t, contentKeys.Contains(k1.Content))
	assert.True(t, contentKeys.Contains(k2.Content))
	assert.True(t, contentHashes.Contains(number.Hash([]byte("v1"))))
	assert.True(t, contentHashes.Contains(number.Hash([]byte("v2"))))

	meta, err := client.StorageRPC.DigestMetaValues(ctx, server.Addr, q)
	require.NoError(t, err)
	require.Equal(t, 2, len(meta))
	assert.True(t, meta[k1].IsMetaOnly())
	assert.Nil(t, meta[k1].Value)
	assert.Equal(t, number.Hash([]byte("v1")), meta[k1].Hash())

	// An empty range gives an empty digest.
	empty, err := client.StorageRPC.Digest(ctx, server.Addr, NewQuery(number.HashString("none"), k1.Domain))
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size())
}

func TestStorageRPC_PutConfirm(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	k1 := testKey("c1")
	k2 := testKey("c2")
	d1 := storage.NewData([]byte("v1"))
	d1.Prepared = true
	d2 := storage.NewData([]byte("v2"))
	d2.Prepared = true

	result, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{k1: d1, k2: d2}, PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOKPrepared, result.Statuses[k1])

	// Staged entries are invisible.
	dataMap, err := client.StorageRPC.Get(ctx, server.Addr, NewQuery(k1.Location, k1.Domain))
	require.NoError(t, err)
	assert.Equal(t, 0, len(dataMap))

	result, err = client.StorageRPC.PutConfirm(ctx, server.Addr, storage.DataMap{k1: d1})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOK, result.Statuses[k1])

	result, err = client.StorageRPC.PutReject(ctx, server.Addr, []number.Key{k2})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOK, result.Statuses[k2])

	dataMap, err = client.StorageRPC.Get(ctx, server.Addr, NewQuery(k1.Location, k1.Domain))
	require.NoError(t, err)
	assert.Equal(t, []number.Key{k1}, dataMap.SortedKeys())
	assert.Equal(t, []byte("v1"), dataMap[k1].Value)
}

func TestStorageRPC_GetLatest(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	entry := testKey("c1").EntryKey()
	v1 := entry.WithVersion(number.NewVersion(1, number.HashString("v1")))
	v2 := entry.WithVersion(number.NewVersion(2, number.HashString("v2")))
	d2 := storage.NewData([]byte("v2"))
	d2.BasedOn = []number.ID{v1.Version}

	_, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		v1: storage.NewData([]byte("v1")),
	}, PutOptions{})
	require.NoError(t, err)
	_, err = client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{v2: d2}, PutOptions{})
	require.NoError(t, err)

	latest, info, err := client.StorageRPC.GetLatest(ctx, server.Addr, entry, true)
	require.NoError(t, err)
	assert.Equal(t, []number.Key{v2}, latest.SortedKeys())
	require.NotNil(t, info)
	assert.Equal(t, 2, info.Size())

	latest, info, err = client.StorageRPC.GetLatest(ctx, server.Addr, entry, false)
	require.NoError(t, err)
	assert.Equal(t, []number.Key{v2}, latest.SortedKeys())
	assert.Nil(t, info)
}

func TestStorageRPC_PutMeta(t *testing.T) {
	net := transport.NewMockNetwork()
	client := newFakePeer(t, net, "client")
	server := newFakePeer(t, net, "server")
	ctx := context.Background()

	key := testKey("c1")
	_, err := client.StorageRPC.Put(ctx, server.Addr, storage.DataMap{
		key: storage.NewData([]byte("v1")),
	}, PutOptions{})
	require.NoError(t, err)

	meta := storage.NewData([]byte("v1"))
	meta.TTLSeconds = 60
	result, err := client.StorageRPC.PutMeta(ctx, server.Addr, storage.DataMap{key: meta})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusOK, result.Statuses[key])

	data, ok := server.Storage.Get(key)
	require.True(t, ok)
	assert.Equal(t, int32(60), data.TTLSeconds)
	// The value is untouched.
	assert.Equal(t, []byte("v1"), data.Value)

	missing := testKey("missing")
	result, err = client.StorageRPC.PutMeta(ctx, server.Addr, storage.DataMap{missing: meta})
	require.NoError(t, err)
	assert.Equal(t, storage.StatusNotFound, result.Statuses[missing])
}
