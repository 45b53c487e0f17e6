// Package clientconf reads the handful of facts the supervisor needs from a
// managed client's configuration file and keeps configuration paths confined
// to allow-listed directories.
package clientconf

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/loykin/frpvisor/internal/errs"
)

const adminPortKey = "admin_port"

// AdminPort scans path for a line of the form `admin_port = <int>`.
// ok is false when the file declares no management port.
func AdminPort(path string) (port int, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, errs.TransientIO("admin port", "open config", err)
	}
	defer func() { _ = f.Close() }()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, adminPortKey) {
			continue
		}
		key, val, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(key) != adminPortKey {
			continue
		}
		// allow trailing comments: admin_port = 7400 # local only
		if i := strings.IndexByte(val, '#'); i >= 0 {
			val = val[:i]
		}
		p, perr := strconv.Atoi(strings.TrimSpace(val))
		if perr != nil || p <= 0 || p > 65535 {
			continue
		}
		return p, true, nil
	}
	if err := s.Err(); err != nil {
		return 0, false, errs.TransientIO("admin port", "read config", err)
	}
	return 0, false, nil
}

// Confine resolves path to an absolute, cleaned path and requires its
// directory to sit inside one of allowedDirs.
func Confine(path string, allowedDirs []string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errs.Validation("confine", "config path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.New(errs.KindValidation, "confine", "config path is invalid", err)
	}
	dir := filepath.Dir(abs)
	for _, allowed := range allowedDirs {
		if allowed == "" {
			continue
		}
		a, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if within(dir, a) {
			return abs, nil
		}
	}
	return "", errs.Validation("confine", "config path is outside the allowed directories").With("path", abs)
}

// within reports whether dir equals root or is nested below it,
// comparing whole path components.
func within(dir, root string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
