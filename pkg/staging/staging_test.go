package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArea_Lifecycle(t *testing.T) {
	area, err := Open(filepath.Join(t.TempDir(), "staging"))
	require.NoError(t, err)

	require.NoError(t, area.Write(InnerFile, []byte("inner")))
	require.NoError(t, area.Write(SignatureFile, []byte("sig")))
	require.NoError(t, area.Write("ext-1.0.zip", []byte("outer")))

	data, err := area.Read(InnerFile)
	require.NoError(t, err)
	assert.Equal(t, "inner", string(data))
	assert.Equal(t, []string{"ext-1.0.zip", InnerFile, SignatureFile}, area.Files())

	require.NoError(t, area.Remove("ext-1.0.zip"))
	require.NoError(t, area.Remove("ext-1.0.zip"), "removing twice is fine")
	assert.Equal(t, []string{InnerFile, SignatureFile}, area.Files())

	require.NoError(t, area.Cleanup())
	assert.Empty(t, area.Files())

	entries, err := os.ReadDir(area.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArea_CleanupKeepsForeignFiles(t *testing.T) {
	dir := t.TempDir()
	foreign := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep"), 0o644))

	area, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(area.Path("tool-output.zip"), []byte("x"), 0o644))
	area.Track("tool-output.zip")
	require.NoError(t, area.Write(InnerFile, []byte("x")))

	require.NoError(t, area.Cleanup())

	_, err = os.Stat(foreign)
	assert.NoError(t, err)
	_, err = os.Stat(area.Path("tool-output.zip"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestArea_PathStaysInside(t *testing.T) {
	area, err := Open(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(area.Dir(), "x.zip"), area.Path("../../x.zip"))
}

func TestOpen_Empty(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func testMutualExclusion(t *testing.T, locker Locker, key string) {
	t.Helper()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	// a second acquire must wait
	short, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(short, key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		rel, err := locker.Acquire(ctx, key)
		if err == nil {
			acquired.Store(true)
			_ = rel()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, acquired.Load())
	require.NoError(t, release())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.True(t, acquired.Load())
}

func TestMutexLocker(t *testing.T) {
	locker := NewMutexLocker()
	testMutualExclusion(t, locker, "/projects/a")

	// distinct keys do not block each other
	relA, err := locker.Acquire(context.Background(), "a")
	require.NoError(t, err)
	relB, err := locker.Acquire(context.Background(), "b")
	require.NoError(t, err)
	require.NoError(t, relA())
	require.NoError(t, relB())
	require.NoError(t, relA(), "release is idempotent")
}

func TestFileLocker(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock is not available")
	}
	dir := t.TempDir()
	testMutualExclusion(t, NewFileLocker(), dir)

	_, err := os.Stat(filepath.Join(dir, LockFileName))
	assert.NoError(t, err)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestRedisLocker(t *testing.T) {
	client, mr := setupRedis(t)
	locker := NewRedisLocker(client, "", time.Minute, quietLogger())

	testMutualExclusion(t, locker, "/projects/a")
	assert.False(t, mr.Exists(locker.Key("/projects/a")), "lock key left behind")
}

func TestRedisLocker_ReleaseOnlyOwnToken(t *testing.T) {
	client, mr := setupRedis(t)
	locker := NewRedisLocker(client, "test:", time.Minute, quietLogger())
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)

	// simulate expiry and takeover by another holder
	key := locker.Key("k")
	require.NoError(t, mr.Set(key, "someone-else"))

	require.NoError(t, release())
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLocker_WarnsWhenLockLost(t *testing.T) {
	tests := []struct {
		name    string
		disturb func(mr *miniredis.Miniredis, key string)
		want    string
	}{
		{
			name:    "taken over",
			disturb: func(mr *miniredis.Miniredis, key string) { _ = mr.Set(key, "someone-else") },
			want:    "Lost redis lock",
		},
		{
			name:    "redis unavailable",
			disturb: func(mr *miniredis.Miniredis, key string) { mr.SetError("READONLY replica") },
			want:    "Failed to extend redis lock",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, mr := setupRedis(t)
			var buf bytes.Buffer
			logger := logrus.New()
			logger.SetOutput(&buf)
			locker := NewRedisLocker(client, "test:", 150*time.Millisecond, logger)

			release, err := locker.Acquire(context.Background(), "k")
			require.NoError(t, err)
			tt.disturb(mr, locker.Key("k"))
			time.Sleep(200 * time.Millisecond)
			mr.SetError("")
			_ = release()

			// release waits for the keep-alive loop, so buf is quiescent
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}

func TestRedisLocker_Expires(t *testing.T) {
	client, mr := setupRedis(t)
	locker := NewRedisLocker(client, "test:", time.Minute, quietLogger())
	ctx := context.Background()

	_, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)

	release, err := locker.Acquire(ctx, "k")
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestChain(t *testing.T) {
	a, b := NewMutexLocker(), NewMutexLocker()
	chain := Chain{a, nil, b}

	release, err := chain.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// b is held, so a chain over b alone must time out
	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Chain{b}.Acquire(short, "k")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, release())

	release, err = chain.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, release())
}

func TestChain_PartialFailureReleases(t *testing.T) {
	a, b := NewMutexLocker(), NewMutexLocker()
	holdB, err := b.Acquire(context.Background(), "k")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Chain{a, b}.Acquire(short, "k")
	require.Error(t, err)

	// a must have been released again
	relA, err := a.Acquire(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, relA())
	require.NoError(t, holdB())
}

type unsupportedLocker struct{}

func (unsupportedLocker) Acquire(context.Context, string) (ReleaseFunc, error) {
	return nil, errors.ErrUnsupported
}

func TestChain_SkipsUnsupported(t *testing.T) {
	a := NewMutexLocker()
	release, err := Chain{unsupportedLocker{}, a}.Acquire(context.Background(), "k")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = a.Acquire(short, "k")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, release())
}
