package detector

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// SystemEnumerator lists processes through gopsutil.
type SystemEnumerator struct{}

func (SystemEnumerator) List(ctx context.Context) ([]ProcInfo, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(ps))
	for _, p := range ps {
		// processes can exit between listing and reading their cmdline
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || len(args) == 0 {
			continue
		}
		out = append(out, ProcInfo{PID: int(p.Pid), Args: args})
	}
	return out, nil
}
