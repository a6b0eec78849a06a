package fdinfo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// DRMPrefix is the directory DRM device nodes live in.
const DRMPrefix = "/dev/dri/"

// Record is the raw fdinfo text of one DRM file descriptor.
type Record struct {
	PID  int32
	FD   int
	Node string
	Data []byte
}

// ProcessInfo is what the dashboard shows about a process besides its
// GPU counters.
type ProcessInfo struct {
	Command string
	User    string
}

// Sweeper collects the DRM fdinfo records of every visible process.
type Sweeper struct {
	// ProcRoot is the procfs mount point.
	ProcRoot string
	// Pids lists the candidate processes.
	Pids func(ctx context.Context) ([]int32, error)
	// Describe looks up a process's command and owner.
	Describe func(ctx context.Context, pid int32) ProcessInfo
}

// NewSweeper returns a sweeper over the host's /proc.
func NewSweeper() *Sweeper {
	return &Sweeper{
		ProcRoot: "/proc",
		Pids:     process.PidsWithContext,
		Describe: describeProcess,
	}
}

// Sweep reads every DRM fdinfo record once. Processes that exit mid-sweep
// or belong to other users are skipped silently: both are routine.
// Records are ordered by pid, then by fd number.
func (s *Sweeper) Sweep(ctx context.Context) ([]Record, error) {
	pids, err := s.Pids(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoPids, err)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	var records []Record
	for _, pid := range pids {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		records = append(records, s.sweepPid(pid)...)
	}
	return records, nil
}

func (s *Sweeper) sweepPid(pid int32) []Record {
	base := filepath.Join(s.ProcRoot, strconv.Itoa(int(pid)))

	entries, err := os.ReadDir(filepath.Join(base, "fd"))
	if err != nil {
		return nil
	}

	var records []Record
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		node, err := s.drmNode(base, entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(base, "fdinfo", entry.Name()))
		if err != nil {
			continue
		}
		records = append(records, Record{PID: pid, FD: fd, Node: node, Data: data})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].FD < records[j].FD })
	return records
}

func (s *Sweeper) drmNode(base, fd string) (string, error) {
	target, err := os.Readlink(filepath.Join(base, "fd", fd))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(target, DRMPrefix) {
		return "", ErrNotDRM
	}
	return target, nil
}

// Lookup returns display information for pid, using the configured
// Describe function.
func (s *Sweeper) Lookup(ctx context.Context, pid int32) ProcessInfo {
	if s.Describe == nil {
		return ProcessInfo{}
	}
	return s.Describe(ctx, pid)
}

func describeProcess(ctx context.Context, pid int32) ProcessInfo {
	var info ProcessInfo

	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return info
	}

	if cmdline, err := p.CmdlineWithContext(ctx); err == nil && cmdline != "" {
		info.Command = cmdline
	} else if name, err := p.NameWithContext(ctx); err == nil {
		info.Command = name
	}
	if user, err := p.UsernameWithContext(ctx); err == nil {
		info.User = user
	}
	return info
}
