package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

const (
	DefaultPNGQuantPath  = "/usr/bin/pngquant"
	DefaultJPEGOptimPath = "/usr/bin/jpegoptim"

	// pngquantQualityTooLow is pngquant's exit status when the result
	// would fall below the requested minimum quality.
	pngquantQualityTooLow = 99
)

var ErrOptimizerFailed = errors.New("optimizer failed")

// Status classifies how an optimizer run ended.
type Status int

const (
	Success Status = iota
	SuccessWithCaveat
	Failure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case SuccessWithCaveat:
		return "success_with_caveat"
	default:
		return "failure"
	}
}

// Result is the outcome of one optimizer invocation.
type Result struct {
	Status   Status
	Output   []byte
	ExitCode int
}

// Runner executes a program with stdin and returns its stdout and exit
// code. A non-nil error means the program could not be run at all.
type Runner interface {
	Run(ctx context.Context, path string, args []string, stdin []byte) (stdout []byte, exitCode int, err error)
}

// ExecRunner runs programs with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, path string, args []string, stdin []byte) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, -1, err
	}
	if err := cmd.Start(); err != nil {
		return nil, -1, fmt.Errorf("failed to start %s: %w", path, err)
	}

	_, writeErr := in.Write(stdin)
	closeErr := in.Close()

	waitErr := cmd.Wait()
	code := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, -1, fmt.Errorf("failed to wait for %s: %w", path, waitErr)
		}
		code = exitErr.ExitCode()
	}

	// A tool may finish and close stdin before consuming everything. That is
	// fine as long as the exit status says so.
	for _, e := range []error{writeErr, closeErr} {
		if e != nil && !isClosedPipe(e) {
			return nil, code, fmt.Errorf("failed to write to %s: %w", path, e)
		}
	}

	if code != 0 && stderr.Len() > 0 {
		slog.Debug("optimizer stderr", "path", path, "stderr", stderr.String())
	}
	return stdout.Bytes(), code, nil
}

func isClosedPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// tool describes one optimizer binary and its exit status policy.
type tool struct {
	name     string
	path     string
	args     []string
	classify func(exitCode int) Status
}

func (t tool) run(ctx context.Context, r Runner, data []byte) (Result, error) {
	out, code, err := r.Run(ctx, t.path, t.args, data)
	if err != nil {
		return Result{Status: Failure, ExitCode: code}, err
	}
	return Result{Status: t.classify(code), Output: out, ExitCode: code}, nil
}

func exitZero(code int) Status {
	if code == 0 {
		return Success
	}
	return Failure
}

func pngquantStatus(code int) Status {
	switch code {
	case 0:
		return Success
	case pngquantQualityTooLow:
		return SuccessWithCaveat
	}
	return Failure
}

// Optimizer shrinks encoded PNG and JPEG bytes with pngquant and jpegoptim.
type Optimizer struct {
	runner  Runner
	png     tool
	jpeg    tool
	enabled bool
}

// OptimizerConfig selects the optimizer binaries.
type OptimizerConfig struct {
	PNGQuantPath  string
	JPEGOptimPath string
	Enabled       bool
}

// NewOptimizer creates an Optimizer. A nil runner selects ExecRunner.
func NewOptimizer(cfg OptimizerConfig, runner Runner) *Optimizer {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.PNGQuantPath == "" {
		cfg.PNGQuantPath = DefaultPNGQuantPath
	}
	if cfg.JPEGOptimPath == "" {
		cfg.JPEGOptimPath = DefaultJPEGOptimPath
	}
	return &Optimizer{
		runner:  runner,
		enabled: cfg.Enabled,
		png: tool{
			name:     "pngquant",
			path:     cfg.PNGQuantPath,
			args:     []string{"--quality=90-100", "--strip", "-"},
			classify: pngquantStatus,
		},
		jpeg: tool{
			name:     "jpegoptim",
			path:     cfg.JPEGOptimPath,
			args:     []string{"-m95", "--strip-all", "--stdin", "--stdout"},
			classify: exitZero,
		},
	}
}

// Optimize returns the optimized form of data, or data itself when the
// optimizer cannot make it smaller. Mime types other than PNG and JPEG pass
// through. A failed optimizer run is an error; the input is never served
// in its place.
func (o *Optimizer) Optimize(ctx context.Context, mime string, data []byte) ([]byte, error) {
	if !o.enabled {
		return data, nil
	}

	var t tool
	switch mime {
	case MimePNG:
		t = o.png
	case MimeJPEG:
		t = o.jpeg
	default:
		return data, nil
	}

	res, err := t.run(ctx, o.runner, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOptimizerFailed, t.name, err)
	}

	switch res.Status {
	case Failure:
		return nil, fmt.Errorf("%w: %s exited with status %d", ErrOptimizerFailed, t.name, res.ExitCode)
	case SuccessWithCaveat:
		if len(res.Output) == 0 {
			slog.Info("optimizer could not reach target quality, keeping input",
				"tool", t.name,
				"size", len(data),
			)
			return data, nil
		}
	case Success:
		if len(res.Output) == 0 {
			return nil, fmt.Errorf("%w: %s produced no output", ErrOptimizerFailed, t.name)
		}
	}

	if len(res.Output) >= len(data) {
		slog.Info("optimized output not smaller, keeping input",
			"tool", t.name,
			"original_size", len(data),
			"optimized_size", len(res.Output),
		)
		return data, nil
	}

	slog.Info("optimized image",
		"tool", t.name,
		"original_size", len(data),
		"optimized_size", len(res.Output),
		"status", res.Status,
	)
	return res.Output, nil
}
