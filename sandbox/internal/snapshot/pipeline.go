package snapshot

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
)

// counter tracks bytes moved through a stream for progress reporting.
type counter struct {
	n atomic.Int64
}

func (c *counter) Load() int64 { return c.n.Load() }

type countingReader struct {
	r io.Reader
	c *counter
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.c.n.Add(int64(n))
	return n, err
}

// haveZstdBinary reports whether the zstd executable is on PATH. The
// subprocess keeps compression off the Go heap and uses all cores; the
// in-process coder is the fallback.
func haveZstdBinary() bool {
	_, err := exec.LookPath("zstd")
	return err == nil
}

// compressDir writes dir as a zstd-compressed tarball to out.
func compressDir(ctx context.Context, dir string, level int, out io.Writer) error {
	tarCmd := exec.CommandContext(ctx, "tar", "-cf", "-", "-C", dir, ".")
	tarOut, err := tarCmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("tar stdout: %w", err)
	}
	if err := tarCmd.Start(); err != nil {
		return fmt.Errorf("start tar: %w", err)
	}

	if haveZstdBinary() {
		zstdCmd := exec.CommandContext(ctx, "zstd", "-"+strconv.Itoa(level), "-T0", "-q")
		zstdCmd.Stdin = tarOut
		zstdCmd.Stdout = out
		if err := zstdCmd.Run(); err != nil {
			_ = tarCmd.Wait()
			return fmt.Errorf("zstd: %w", err)
		}
	} else {
		enc, err := zstd.NewWriter(out,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			_ = tarCmd.Wait()
			return fmt.Errorf("zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, tarOut); err != nil {
			enc.Close()
			_ = tarCmd.Wait()
			return fmt.Errorf("compress: %w", err)
		}
		if err := enc.Close(); err != nil {
			_ = tarCmd.Wait()
			return fmt.Errorf("flush compressor: %w", err)
		}
	}

	if err := tarCmd.Wait(); err != nil {
		return fmt.Errorf("tar: %w", err)
	}
	return nil
}

// extractTo decompresses the zstd stream in and unpacks the tarball into
// dir. Ownership and permissions are normalized to the extracting user.
func extractTo(ctx context.Context, in io.Reader, dir string) error {
	tarCmd := exec.CommandContext(ctx, "tar", "-xf", "-", "-C", dir,
		"--no-same-owner", "--no-same-permissions")
	tarIn, err := tarCmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("tar stdin: %w", err)
	}
	if err := tarCmd.Start(); err != nil {
		return fmt.Errorf("start tar: %w", err)
	}

	var copyErr error
	if haveZstdBinary() {
		zstdCmd := exec.CommandContext(ctx, "zstd", "-d", "-T0", "-q")
		zstdCmd.Stdin = in
		zstdCmd.Stdout = tarIn
		copyErr = zstdCmd.Run()
	} else {
		var dec *zstd.Decoder
		dec, copyErr = zstd.NewReader(in)
		if copyErr == nil {
			_, copyErr = io.Copy(tarIn, dec.IOReadCloser())
			dec.Close()
		}
	}
	tarIn.Close()

	if err := tarCmd.Wait(); err != nil {
		return fmt.Errorf("tar extract: %w", err)
	}
	if copyErr != nil {
		return fmt.Errorf("decompress: %w", copyErr)
	}
	return nil
}
