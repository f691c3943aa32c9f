// Package sysinfo records the system facts captured alongside a snapshot:
// running processes, listening sockets, mounted filesystems and host
// identity. The facts are informational context for an operator inspecting
// a snapshot, not inputs to any restore path.
package sysinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Facts is a point-in-time description of host state
type Facts struct {
	Host             string
	Processes        []string
	ListeningSockets []string
	Mounts           []string
}

/// Collect gathers host facts. Collection is best effort: a probe that fails
// contributes an error line instead of aborting the snapshot.
func Collect() *Facts {
	f := &Facts{}

	if info, err := host.Info(); err == nil {
		f.Host = fmt.Sprintf("%s %s %s (kernel %s), uptime %ds",
			info.Hostname, info.Platform, info.PlatformVersion, info.KernelVersion, info.Uptime)
	} else {
		f.Host = fmt.Sprintf("host info unavailable: %v", err)
	}

	f.Processes = collectProcesses()
	f.ListeningSockets = collectListeners()
	f.Mounts = collectMounts()

	return f
}

func collectProcesses() []string {
	procs, err := process.Processes()
	if err != nil {
		return []string{fmt.Sprintf("process list unavailable: %v", err)}
	}

	lines := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // Process exited mid-scan
		}
		cmdline, _ := p.Cmdline()
		if cmdline == "" {
			cmdline = name
		}
		lines = append(lines, fmt.Sprintf("%d\t%s\t%s", p.Pid, name, cmdline))
	}

	return lines
}

func collectListeners() []string {
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return []string{fmt.Sprintf("socket list unavailable: %v", err)}
	}

	var lines []string
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		lines = append(lines, fmt.Sprintf("tcp\t%s:%d\tpid=%d", c.Laddr.IP, c.Laddr.Port, c.Pid))
	}

	return lines
}

func collectMounts() []string {
	parts, err := disk.Partitions(true)
	if err != nil {
		return []string{fmt.Sprintf("mount table unavailable: %v", err)}
	}

	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s\t%s",
			p.Device, p.Mountpoint, p.Fstype, strings.Join(p.Opts, ",")))
	}

	return lines
}

// WriteTo persists the facts as one text file per category under dir
func (f *Facts) WriteTo(dir string) error {
	files := map[string][]string{
		"host.txt":      {f.Host},
		"processes.txt": f.Processes,
		"sockets.txt":   f.ListeningSockets,
		"mounts.txt":    f.Mounts,
	}

	for name, lines := range files {
		path := filepath.Join(dir, name)
		content := strings.Join(lines, "\n") + "\n"
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return nil
}
