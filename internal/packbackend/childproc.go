package packbackend

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// resourceUsage mirrors the JSON record the reference git-wrapper emits on
// FD 3: {"clock_time", "user_time", "system_time", "max_rss"}. Rather than
// shelling out through a separate wrapper binary that writes to FD 3 (there
// is nothing for a Go process to gain by doing that when it already holds
// the child directly), the numbers are read straight off
// cmd.ProcessState.SysUsage() once Wait returns — the in-process
// equivalent, and just as silent on abnormal termination (a child that did
// not exit normally, e.g. one killed by a signal, yields no record),
// preserving the same open question the original design left unresolved.
type resourceUsage struct {
	ClockTime  float64 `json:"clock_time"`
	UserTime   float64 `json:"user_time"`
	SystemTime float64 `json:"system_time"`
	MaxRSS     int64   `json:"max_rss"`
}

// spawnResult is what waitWithUsage returns once a started child has exited.
type spawnResult struct {
	ExitCode int
	Usage    *resourceUsage // nil unless the process exited normally
	Err      error          // non-nil when Wait fails for a reason other than a non-zero exit
}

// gitCommand builds an *exec.Cmd for "git <args...>" with env applied on top
// of the ambient process environment.
func gitCommand(ctx context.Context, args []string, dir string, extraEnv []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = append(cmd.Environ(), extraEnv...)
	return cmd
}

// waitWithUsage waits for cmd and assembles a resourceUsage record from the
// wall-clock start time and the platform rusage block, when available.
func waitWithUsage(cmd *exec.Cmd, start time.Time) spawnResult {
	err := cmd.Wait()
	result := spawnResult{}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
		if rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage); ok && cmd.ProcessState.Exited() {
			result.Usage = &resourceUsage{
				ClockTime:  time.Since(start).Seconds(),
				UserTime:   timevalSeconds(rusage.Utime),
				SystemTime: timevalSeconds(rusage.Stime),
				MaxRSS:     int64(rusage.Maxrss),
			}
		}
	}
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			result.Err = err
		}
	}
	return result
}

func timevalSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
