package async

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferLogger() (*logrus.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	return l, &buf
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestGo(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		fn      func(context.Context) error
		wantErr error
		panics  bool
	}{
		{name: "success", fn: func(context.Context) error { return nil }},
		{name: "error", fn: func(context.Context) error { return boom }, wantErr: boom},
		{name: "panic with value", fn: func(context.Context) error { panic("kaboom") }, panics: true},
		{name: "panic with error", fn: func(context.Context) error { panic(boom) }, wantErr: boom, panics: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := bufferLogger()
			err := wait(t, Go(context.Background(), logger, "test task", tt.fn))

			switch {
			case tt.panics:
				require.Error(t, err)
				assert.Contains(t, err.Error(), "panic")
				assert.Contains(t, buf.String(), "PANIC recovered")
				assert.Contains(t, buf.String(), "test task")
			case tt.wantErr == nil:
				assert.NoError(t, err)
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestGo_ChannelClosedAfterResult(t *testing.T) {
	ch := Go(context.Background(), nil, "test task", func(context.Context) error { return nil })
	assert.NoError(t, wait(t, ch))
	_, open := <-ch
	assert.False(t, open)
}

func TestGo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := Go(ctx, nil, "test task", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()
	assert.ErrorIs(t, wait(t, ch), context.Canceled)
}
