package throttle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

var ErrNoInterface = errors.New("no network interface counters available")

// SystemSampler reads host-wide network counters and the process table.
// Bandwidth is the counter delta since the previous call, so the first call
// always reports zero load.
type SystemSampler struct {
	mu       sync.Mutex
	lastRecv uint64
	lastSent uint64
	lastAt   time.Time
}

func NewSystemSampler() *SystemSampler {
	return &SystemSampler{}
}

func (s *SystemSampler) SampleNetwork(ctx context.Context) (float64, float64, error) {
	counters, err := psnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(counters) == 0 {
		return 0, 0, ErrNoInterface
	}

	now := time.Now()
	recv, sent := counters[0].BytesRecv, counters[0].BytesSent

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.lastAt.IsZero()
	elapsed := now.Sub(s.lastAt).Seconds()
	prevRecv, prevSent := s.lastRecv, s.lastSent
	s.lastRecv, s.lastSent, s.lastAt = recv, sent, now

	if first || elapsed <= 0 {
		return 0, 0, nil
	}

	return kbps(prevRecv, recv, elapsed), kbps(prevSent, sent, elapsed), nil
}

func kbps(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}

	return float64(cur-prev) * 8 / 1000 / seconds
}

// CriticalProcessRunning reports whether any running process name contains
// one of names, ignoring case.
func (s *SystemSampler) CriticalProcessRunning(ctx context.Context, names []string) (bool, error) {
	if len(names) == 0 {
		return false, nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, err
	}

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}

		if MatchesCritical(name, names) {
			return true, nil
		}
	}

	return false, nil
}

func MatchesCritical(processName string, names []string) bool {
	lower := strings.ToLower(processName)
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(lower, n) {
			return true
		}
	}

	return false
}
