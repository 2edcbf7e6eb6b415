// Package compression reads and writes zstd compressed files. The zstd binary is used for whole files when it is
// installed; the native implementation covers streams and machines without the binary.
package compression

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// Extension of zstd compressed files.
const Extension = ".zst"

// DependencyChecker ...
type DependencyChecker interface {
	CheckDependencies() bool
}

// BinaryChecker looks for the zstd binary on the PATH.
type BinaryChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewBinaryChecker ...
func NewBinaryChecker(logger log.Logger, envRepo env.Repository) *BinaryChecker {
	return &BinaryChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (c *BinaryChecker) CheckDependencies() bool {
	cmdFactory := command.NewFactory(c.envRepo)
	cmd := cmdFactory.Create("which", []string{"zstd"}, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Codec compresses and decompresses files.
type Codec struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker DependencyChecker
}

// NewCodec ...
func NewCodec(logger log.Logger, envRepo env.Repository, dependencyChecker DependencyChecker) *Codec {
	return &Codec{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// CompressFile writes a zstd compressed copy of src to dst.
func (c *Codec) CompressFile(src, dst string) error {
	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Debugf("Falling back to native implementation of zstd.")
		if err := copyFile(src, dst, compressStream); err != nil {
			return fmt.Errorf("compress %s: %w", src, err)
		}
		return nil
	}

	if err := c.runBinary("-q", "-f", "-o", dst, src); err != nil {
		return fmt.Errorf("compress %s: %w", src, err)
	}
	return nil
}

// DecompressFile writes the decompressed content of src to dst.
func (c *Codec) DecompressFile(src, dst string) error {
	if !c.dependencyChecker.CheckDependencies() {
		c.logger.Debugf("Falling back to native implementation of zstd.")
		if err := copyFile(src, dst, decompressStream); err != nil {
			return fmt.Errorf("decompress %s: %w", src, err)
		}
		return nil
	}

	if err := c.runBinary("-d", "-q", "-f", "-o", dst, src); err != nil {
		return fmt.Errorf("decompress %s: %w", src, err)
	}
	return nil
}

func (c *Codec) runBinary(args ...string) error {
	cmd := command.NewFactory(c.envRepo).Create("zstd", args, nil)
	c.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}
	return nil
}

// IsCompressed reports whether path names a zstd compressed file.
func IsCompressed(path string) bool {
	return strings.HasSuffix(path, Extension)
}

// NewReader returns a reader decompressing r. Close releases the decoder, not r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	return zr.IOReadCloser(), nil
}

// NewWriter returns a writer compressing into w. Close flushes the frame, it does not close w.
func NewWriter(w io.Writer) (io.WriteCloser, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return zw, nil
}

func compressStream(dst io.Writer, src io.Reader) error {
	zw, err := NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close() //nolint:errcheck
		return fmt.Errorf("write zstd frame: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func decompressStream(dst io.Writer, src io.Reader) error {
	zr, err := NewReader(src)
	if err != nil {
		return err
	}
	defer zr.Close() //nolint:errcheck

	if _, err := io.Copy(dst, zr); err != nil {
		return fmt.Errorf("read zstd frame: %w", err)
	}
	return nil
}

func copyFile(src, dst string, transform func(io.Writer, io.Reader) error) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	if err := transform(out, in); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}
