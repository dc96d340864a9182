// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package backing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mutex sync.Mutex
	files map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{files: make(map[string][]byte)}
}

func (m *memStore) Size(name string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	f, ok := m.files[name]
	if !ok {
		return 0, ErrNotExist
	}

	return int64(len(f)), nil
}

func (m *memStore) ReadAt(name string, buf []byte, offset int64) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	f, ok := m.files[name]
	if !ok || offset+int64(len(buf)) > int64(len(f)) {
		return errors.New("out of range")
	}
	copy(buf, f[offset:])

	return nil
}

func (m *memStore) Write(name string, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.files[name] = append([]byte(nil), buf...)

	return nil
}

func TestProxy(t *testing.T) {
	store := newMemStore()
	p := NewProxy(store, 2, 2)

	require.NoError(t, p.Write("obj", []byte("0123456789")))
	require.NoError(t, p.Upload("prio", []byte("x"), true))

	size, err := p.Size("obj")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	buf := make([]byte, 3)
	require.NoError(t, p.ReadAt("obj", buf, 4))
	assert.Equal(t, "456", string(buf))

	require.NoError(t, p.Download("prio", buf[:1], 0, false))
	assert.Equal(t, byte('x'), buf[0])

	assert.Error(t, p.ReadAt("obj", buf, 9))
}

func TestProxyConcurrent(t *testing.T) {
	store := newMemStore()
	store.files["obj"] = []byte("abcdefghijklmnopqrstuvwxyz")
	p := NewProxy(store, 1, 3)

	var wg sync.WaitGroup
	for i := 0; i < 26; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b := make([]byte, 1)
			if assert.NoError(t, p.Download("obj", b, int64(i), i%2 == 0)) {
				assert.Equal(t, byte('a'+i), b[0])
			}
		}(i)
	}
	wg.Wait()
}

func TestProxyWithoutWorkers(t *testing.T) {
	store := newMemStore()
	store.files["obj"] = []byte("abc")
	p := NewProxy(store, 0, 0)

	done := make(chan error, 2)
	go func() {
		buf := make([]byte, 3)
		done <- p.ReadAt("obj", buf, 0)
		done <- p.Write("obj", buf)
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("request not served")
		}
	}
}

func TestPrioritizer(t *testing.T) {
	var s Store = NewProxy(newMemStore(), 1, 1)

	p, ok := s.(Prioritizer)
	require.True(t, ok)

	require.NoError(t, p.Upload("obj", []byte("urgent"), true))
	require.NoError(t, p.Upload("obj", []byte("later"), false))

	buf := make([]byte, 5)
	require.NoError(t, p.Download("obj", buf, 0, false))
	assert.Equal(t, "later", string(buf))
}
