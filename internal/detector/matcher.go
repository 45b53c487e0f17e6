package detector

import (
	"path/filepath"
	"strings"
)

const DefaultBinaryName = "frpc"

// ArgvMatcher matches a process when its argument vector contains the managed
// binary followed by a config flag naming a file with configRef's base name.
// Accepted flag forms: -c <path>, -c=<path>, --config <path>, --config=<path>.
type ArgvMatcher struct {
	Binary string
}

func (m ArgvMatcher) Match(procs []ProcInfo, configRef string) []int {
	if strings.TrimSpace(configRef) == "" {
		return nil
	}
	bin := DefaultBinaryName
	if m.Binary != "" {
		bin = filepath.Base(m.Binary)
	}
	conf := filepath.Base(configRef)
	var pids []int
	for _, p := range procs {
		if matchArgs(p.Args, bin, conf) {
			pids = append(pids, p.PID)
		}
	}
	return pids
}

func matchArgs(args []string, bin, conf string) bool {
	start := -1
	for i, a := range args {
		if filepath.Base(a) == bin {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return false
	}
	rest := args[start:]
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		switch {
		case a == "-c" || a == "--config":
			if i+1 < len(rest) && filepath.Base(rest[i+1]) == conf {
				return true
			}
		case strings.HasPrefix(a, "-c="):
			if filepath.Base(strings.TrimPrefix(a, "-c=")) == conf {
				return true
			}
		case strings.HasPrefix(a, "--config="):
			if filepath.Base(strings.TrimPrefix(a, "--config=")) == conf {
				return true
			}
		}
	}
	return false
}
