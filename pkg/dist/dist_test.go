package dist

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDirectory_Write(t *testing.T) {
	root := filepath.Join(t.TempDir(), "dist")
	d := NewDirectory(root)

	path, err := d.Write("com.example_myext-1.2.zip", []byte("outer"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "com.example_myext-1.2.zip"), path)

	data, err := d.Read("com.example_myext-1.2.zip")
	require.NoError(t, err)
	assert.Equal(t, "outer", string(data))

	// overwrite replaces atomically
	_, err = d.Write("com.example_myext-1.2.zip", []byte("newer"))
	require.NoError(t, err)
	data, err = d.Read("com.example_myext-1.2.zip")
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))

	names, err := d.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"com.example_myext-1.2.zip"}, names)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files left behind")
}

func TestDirectory_ListMissing(t *testing.T) {
	names, err := NewDirectory(filepath.Join(t.TempDir(), "nope")).List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

type fakeMirror struct {
	name string
	err  error

	mu  sync.Mutex
	got map[string][]byte
}

func (f *fakeMirror) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.got == nil {
		f.got = make(map[string][]byte)
	}
	f.got[name] = data
	return nil
}

func (f *fakeMirror) String() string { return f.name }

func TestPublisher(t *testing.T) {
	d := NewDirectory(t.TempDir())
	a, b := &fakeMirror{name: "a"}, &fakeMirror{name: "b"}
	p := NewPublisher(d, quietLogger(), a, b)

	path, err := p.Publish(context.Background(), "x-1.zip", []byte("data"))
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, []byte("data"), a.got["x-1.zip"])
	assert.Equal(t, []byte("data"), b.got["x-1.zip"])
}

func TestPublisher_MirrorFailureKeepsLocalCopy(t *testing.T) {
	d := NewDirectory(t.TempDir())
	broken := &fakeMirror{name: "broken", err: errors.New("access denied")}
	p := NewPublisher(d, quietLogger(), broken)

	path, err := p.Publish(context.Background(), "x-1.zip", []byte("data"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMirror)
	assert.FileExists(t, path)
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.input = params
	f.body, _ = io.ReadAll(params.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Mirror_Put(t *testing.T) {
	client := &fakeS3{}
	m := newS3Mirror(client, "artifacts", "/extensions/")

	require.NoError(t, m.Put(context.Background(), "x-1.zip", []byte("zip")))
	assert.Equal(t, "artifacts", *client.input.Bucket)
	assert.Equal(t, "extensions/x-1.zip", *client.input.Key)
	assert.Equal(t, "application/zip", *client.input.ContentType)
	assert.Len(t, client.input.Metadata["blake3"], 64)
	assert.Equal(t, []byte("zip"), client.body)
	assert.Equal(t, "s3://artifacts/extensions", m.String())
}

func TestS3Mirror_Error(t *testing.T) {
	m := newS3Mirror(&fakeS3{err: errors.New("boom")}, "artifacts", "")
	assert.Equal(t, "x.zip", m.Key("x.zip"))
	assert.Error(t, m.Put(context.Background(), "x.zip", []byte("zip")))
}

func TestNewS3Mirror_RequiresBucket(t *testing.T) {
	_, err := NewS3Mirror(context.Background(), S3Config{})
	assert.Error(t, err)
}
