// Package logrotate caps client log growth by shifting the live file into
// numbered gzip backups once it crosses a size threshold.
package logrotate

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/loykin/frpvisor/internal/metrics"
)

const (
	DefaultThreshold  int64 = 10 * 1024 * 1024
	DefaultMaxBackups       = 5

	markerTimeLayout = "2006-01-02 15:04:05"
)

// Rotator rotates client log files. The zero value uses the defaults.
type Rotator struct {
	Threshold  int64
	MaxBackups int
	Logger     *slog.Logger
	Now        func() time.Time
}

// BackupPath returns the name of the i-th compressed backup of path.
func BackupPath(path string, i int) string {
	return fmt.Sprintf("%s.%d.gz", path, i)
}

// Rotate rotates path when it is at least Threshold bytes. Failures are
// logged and reported as false; they never abort the caller.
func (r *Rotator) Rotate(path string) bool {
	logger := r.logger()
	fi, err := os.Stat(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("log rotation skipped", "path", path, "error", err)
		}
		return false
	}
	if fi.Size() < r.threshold() {
		return false
	}
	backup, err := r.rotate(path)
	if err != nil {
		logger.Error("log rotation failed", "path", path, "error", err)
		metrics.IncRotation("failed")
		return false
	}
	logger.Info("log rotated", "path", path, "backup", backup, "size", fi.Size())
	metrics.IncRotation("ok")
	return true
}

// RotateAll rotates each path in turn and returns how many were rotated.
func (r *Rotator) RotateAll(paths []string) int {
	n := 0
	for _, p := range paths {
		if r.Rotate(p) {
			n++
		}
	}
	return n
}

func (r *Rotator) rotate(path string) (string, error) {
	max := r.maxBackups()
	if err := removeIfExists(BackupPath(path, max)); err != nil {
		return "", err
	}
	for i := max - 1; i >= 1; i-- {
		src := BackupPath(path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, BackupPath(path, i+1)); err != nil {
			return "", err
		}
	}
	backup := BackupPath(path, 1)
	if err := compressTo(path, backup); err != nil {
		_ = os.Remove(backup)
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintf(f, "[%s] log rotated, previous content compressed to %s\n", r.now().Format(markerTimeLayout), backup)
	return backup, err
}

func compressTo(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		_ = zw.Close()
		_ = out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *Rotator) threshold() int64 {
	if r.Threshold <= 0 {
		return DefaultThreshold
	}
	return r.Threshold
}

func (r *Rotator) maxBackups() int {
	if r.MaxBackups <= 0 {
		return DefaultMaxBackups
	}
	return r.MaxBackups
}

func (r *Rotator) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Rotator) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
