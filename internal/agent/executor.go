package agent

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	"spectre.c2/internal/core/domain"
)

const (
	jobTimeout      = 10 * time.Minute
	maxOutputBytes  = 256 * 1024
	scanDialTimeout = 2 * time.Second
)

// Executor runs jobs on the host. Ad-hoc job types shell out; the scan types
// are built in so the binary works without external tooling.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) Execute(ctx context.Context, job *domain.Job) domain.JobResult {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	var (
		output string
		err    error
		exit   int
	)

	switch job.Type {
	case domain.JobTypePowershell:
		output, exit, err = e.runShell(ctx, powershellBinary(), "-Command", job.Command)
	case domain.JobTypeCustom:
		if runtime.GOOS == "windows" {
			output, exit, err = e.runShell(ctx, "cmd", "/C", job.Command)
		} else {
			output, exit, err = e.runShell(ctx, "/bin/sh", "-c", job.Command)
		}
	case domain.JobTypeDomainScan:
		target, _ := job.Parameters.GetString("target")
		output, err = e.domainScan(ctx, target)
	case domain.JobTypeVulnerabilityScan:
		target, _ := job.Parameters.GetString("target")
		output, err = e.portScan(ctx, target)
	default:
		err = fmt.Errorf("unsupported job type %q", job.Type)
		exit = 1
	}

	res := domain.JobResult{
		JobID:    job.ID,
		Status:   domain.JobStatusCompleted,
		Output:   truncate(output),
		ExitCode: &exit,
	}
	if err != nil {
		res.Status = domain.JobStatusFailed
		res.Error = err.Error()
		if exit == 0 {
			exit = 1
		}
	}
	return res
}

func powershellBinary() string {
	if runtime.GOOS == "windows" {
		return "powershell"
	}
	return "pwsh"
}

func (e *Executor) runShell(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	exit := cmd.ProcessState.ExitCode()
	if err != nil {
		if exit < 0 {
			exit = 1
		}
		return string(out), exit, fmt.Errorf("%s: %w", name, err)
	}
	return string(out), exit, nil
}

// domainScan resolves the standard record types for a domain.
func (e *Executor) domainScan(ctx context.Context, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("parameter target is required")
	}

	var b strings.Builder
	resolver := &net.Resolver{}
	fmt.Fprintf(&b, "domain scan: %s\n", target)

	if addrs, err := resolver.LookupHost(ctx, target); err == nil {
		fmt.Fprintf(&b, "A/AAAA: %s\n", strings.Join(addrs, ", "))
	} else {
		fmt.Fprintf(&b, "A/AAAA: lookup failed: %v\n", err)
	}
	if mxs, err := resolver.LookupMX(ctx, target); err == nil {
		hosts := make([]string, 0, len(mxs))
		for _, mx := range mxs {
			hosts = append(hosts, fmt.Sprintf("%s (%d)", mx.Host, mx.Pref))
		}
		fmt.Fprintf(&b, "MX: %s\n", strings.Join(hosts, ", "))
	}
	if nss, err := resolver.LookupNS(ctx, target); err == nil {
		hosts := make([]string, 0, len(nss))
		for _, ns := range nss {
			hosts = append(hosts, ns.Host)
		}
		fmt.Fprintf(&b, "NS: %s\n", strings.Join(hosts, ", "))
	}
	if txts, err := resolver.LookupTXT(ctx, target); err == nil && len(txts) > 0 {
		fmt.Fprintf(&b, "TXT: %s\n", strings.Join(txts, "; "))
	}
	return b.String(), nil
}

var commonPorts = []int{21, 22, 23, 25, 53, 80, 110, 135, 139, 143, 443, 445, 993, 995, 1433, 3306, 3389, 5432, 5900, 8080, 8443}

// portScan probes the common service ports on a single host.
func (e *Executor) portScan(ctx context.Context, target string) (string, error) {
	if target == "" {
		return "", fmt.Errorf("parameter target is required")
	}

	dialer := &net.Dialer{Timeout: scanDialTimeout}
	open := make([]int, 0)
	for _, port := range commonPorts {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(target, fmt.Sprint(port)))
		if err != nil {
			continue
		}
		conn.Close()
		open = append(open, port)
	}
	sort.Ints(open)

	var b strings.Builder
	fmt.Fprintf(&b, "port scan: %s\n", target)
	if len(open) == 0 {
		b.WriteString("no open ports found\n")
	}
	for _, port := range open {
		fmt.Fprintf(&b, "open: %d/tcp\n", port)
	}
	return b.String(), nil
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n[output truncated]"
}
