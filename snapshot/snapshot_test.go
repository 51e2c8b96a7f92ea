package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market/domain/orderbook"
)

func sampleState(seq uint64) State {
	book := orderbook.New("BTC-USD")
	for _, o := range []orderbook.Order{
		{ID: 1, Seq: 1, Instrument: "BTC-USD", Side: orderbook.Bid, Type: orderbook.Limit, Price: 100, Qty: 5},
		{ID: 2, Seq: 2, Instrument: "BTC-USD", Side: orderbook.Bid, Type: orderbook.Limit, Price: 100, Qty: 3, Filled: 1},
		{ID: 3, Seq: 3, Instrument: "BTC-USD", Side: orderbook.Ask, Type: orderbook.Limit, Price: 105, Qty: 7},
	} {
		if err := book.Insert(o); err != nil {
			panic(err)
		}
	}
	return State{
		Seq:     seq,
		Created: time.Unix(1700000000, 42).UTC(),
		Books:   []orderbook.BookState{{Instrument: "AAA"}, book.State()},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	s := sampleState(9)
	got, err := Decode(Encode(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, Encode(s), Encode(got))
	assert.Equal(t, Digest(s.Books), Digest(got.Books))
}

func TestCodec_DetectsCorruption(t *testing.T) {
	b := Encode(sampleState(9))
	b[5] ^= 0x01
	_, err := Decode(b)
	assert.True(t, errors.Is(err, ErrCorrupt))
}

func TestDigest_ChangesWithState(t *testing.T) {
	a := sampleState(1).Books
	b := sampleState(1).Books
	b[1].Asks[0].Filled = 1
	assert.NotEqual(t, Digest(a), Digest(b))
}

func TestState_Book(t *testing.T) {
	s := sampleState(1)
	b, ok := s.Book("BTC-USD")
	require.True(t, ok)
	assert.Len(t, b.Bids, 2)
	_, ok = s.Book("ZZZ")
	assert.False(t, ok)
}

func TestFileStore_SaveLoadRetain(t *testing.T) {
	ctx := context.Background()
	fs := &FileStore{Dir: t.TempDir(), Retain: 2}

	_, err := fs.Load(ctx, Newest)
	assert.True(t, errors.Is(err, ErrNotFound))

	for _, seq := range []uint64{10, 20, 30} {
		require.NoError(t, fs.Save(ctx, sampleState(seq)))
	}
	seqs, err := fs.Seqs()
	require.NoError(t, err)
	assert.Equal(t, []uint64{20, 30}, seqs)

	s, err := fs.Load(ctx, Newest)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), s.Seq)

	s, err = fs.Load(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), s.Seq)

	_, err = fs.Load(ctx, 15)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStore_SkipsCorruptNewest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	fs := &FileStore{Dir: dir}
	require.NoError(t, fs.Save(ctx, sampleState(1)))
	require.NoError(t, fs.Save(ctx, sampleState(2)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName(2)), []byte("garbage"), 0o644))

	s, err := fs.Load(ctx, Newest)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Seq)
}

type memBlobs struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objs == nil {
		m.objs = map[string][]byte{}
	}
	m.objs[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return b, nil
}

func (m *memBlobs) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objs, key)
	return nil
}

func TestS3Store_SaveLoadRetain(t *testing.T) {
	ctx := context.Background()
	blobs := &memBlobs{}
	st := &S3Store{Blobs: blobs, Prefix: "market/snapshots", Retain: 2}

	for _, seq := range []uint64{5, 6, 7} {
		require.NoError(t, st.Save(ctx, sampleState(seq)))
	}
	keys, err := blobs.List(ctx, "market/snapshots/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	s, err := st.Load(ctx, Newest)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), s.Seq)
	assert.Equal(t, sampleState(7), s)
}

type failingStore struct{ err error }

func (f failingStore) Save(context.Context, State) error { return f.err }
func (f failingStore) Load(context.Context, uint64) (State, error) {
	return State{}, f.err
}

func TestMirror(t *testing.T) {
	ctx := context.Background()
	primary := &FileStore{Dir: t.TempDir()}
	secondary := &S3Store{Blobs: &memBlobs{}}

	m := &Mirror{Primary: primary, Secondary: secondary}
	require.NoError(t, m.Save(ctx, sampleState(3)))

	s, err := secondary.Load(ctx, Newest)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Seq)

	// Primary empty, secondary has it.
	m = &Mirror{Primary: &FileStore{Dir: t.TempDir()}, Secondary: secondary}
	s, err = m.Load(ctx, Newest)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Seq)

	// A failing secondary does not fail the save.
	m = &Mirror{Primary: primary, Secondary: failingStore{err: errors.New("offline")}}
	assert.NoError(t, m.Save(ctx, sampleState(4)))
}
