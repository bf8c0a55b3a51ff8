package media

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	out   []byte
	code  int
	err   error
	calls atomic.Int32
	path  string
	args  []string
}

func (f *fakeRunner) Run(_ context.Context, path string, args []string, _ []byte) ([]byte, int, error) {
	f.calls.Add(1)
	f.path, f.args = path, args
	return f.out, f.code, f.err
}

func newTestOptimizer(r Runner) *Optimizer {
	return NewOptimizer(OptimizerConfig{
		PNGQuantPath:  "/opt/pngquant",
		JPEGOptimPath: "/opt/jpegoptim",
		Enabled:       true,
	}, r)
}

func TestOptimizer(t *testing.T) {
	input := bytes.Repeat([]byte{1}, 100)
	ctx := context.Background()

	t.Run("smaller output wins", func(t *testing.T) {
		r := &fakeRunner{out: []byte("small")}
		out, err := newTestOptimizer(r).Optimize(ctx, MimePNG, input)
		require.NoError(t, err)
		require.Equal(t, []byte("small"), out)
		require.Equal(t, "/opt/pngquant", r.path)
		require.Equal(t, []string{"--quality=90-100", "--strip", "-"}, r.args)
	})

	t.Run("larger output keeps input", func(t *testing.T) {
		r := &fakeRunner{out: bytes.Repeat([]byte{2}, 200)}
		out, err := newTestOptimizer(r).Optimize(ctx, MimeJPEG, input)
		require.NoError(t, err)
		require.Equal(t, input, out)
		require.Equal(t, "/opt/jpegoptim", r.path)
	})

	t.Run("pngquant quality caveat uses output", func(t *testing.T) {
		r := &fakeRunner{out: []byte("q"), code: 99}
		out, err := newTestOptimizer(r).Optimize(ctx, MimePNG, input)
		require.NoError(t, err)
		require.Equal(t, []byte("q"), out)
	})

	t.Run("pngquant caveat without output keeps input", func(t *testing.T) {
		r := &fakeRunner{code: 99}
		out, err := newTestOptimizer(r).Optimize(ctx, MimePNG, input)
		require.NoError(t, err)
		require.Equal(t, input, out)
	})

	t.Run("jpegoptim 99 is a failure", func(t *testing.T) {
		r := &fakeRunner{out: []byte("q"), code: 99}
		_, err := newTestOptimizer(r).Optimize(ctx, MimeJPEG, input)
		require.ErrorIs(t, err, ErrOptimizerFailed)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		r := &fakeRunner{code: 2}
		out, err := newTestOptimizer(r).Optimize(ctx, MimePNG, input)
		require.ErrorIs(t, err, ErrOptimizerFailed)
		require.Nil(t, out)
	})

	t.Run("runner error fails", func(t *testing.T) {
		r := &fakeRunner{err: errors.New("no such file")}
		_, err := newTestOptimizer(r).Optimize(ctx, MimePNG, input)
		require.ErrorIs(t, err, ErrOptimizerFailed)
	})

	t.Run("other mimes pass through", func(t *testing.T) {
		r := &fakeRunner{}
		out, err := newTestOptimizer(r).Optimize(ctx, MimeGIF, input)
		require.NoError(t, err)
		require.Equal(t, input, out)
		require.Zero(t, r.calls.Load())
	})

	t.Run("disabled is identity", func(t *testing.T) {
		r := &fakeRunner{}
		o := NewOptimizer(OptimizerConfig{}, r)
		out, err := o.Optimize(ctx, MimePNG, input)
		require.NoError(t, err)
		require.Equal(t, input, out)
		require.Zero(t, r.calls.Load())
	})
}

func TestExecRunner(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ctx := context.Background()

	t.Run("pipes stdin to stdout", func(t *testing.T) {
		out, code, err := ExecRunner{}.Run(ctx, sh, []string{"-c", "cat"}, []byte("hello"))
		require.NoError(t, err)
		require.Zero(t, code)
		require.Equal(t, []byte("hello"), out)
	})

	t.Run("reports exit code", func(t *testing.T) {
		_, code, err := ExecRunner{}.Run(ctx, sh, []string{"-c", "cat >/dev/null; exit 99"}, []byte("x"))
		require.NoError(t, err)
		require.Equal(t, 99, code)
	})

	t.Run("tolerates early closed stdin", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), 4<<20)
		out, code, err := ExecRunner{}.Run(ctx, sh, []string{"-c", "exec 0<&-; printf ok"}, big)
		require.NoError(t, err)
		require.Zero(t, code)
		require.Equal(t, []byte("ok"), out)
	})

	t.Run("missing binary", func(t *testing.T) {
		_, _, err := ExecRunner{}.Run(ctx, "/nonexistent/optimizer", nil, nil)
		require.Error(t, err)
	})
}
