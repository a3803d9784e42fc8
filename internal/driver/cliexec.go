package driver

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// CLIDriver implements Driver by shelling out to an external packet-filter
// command (e.g. a small iptables/pf wrapper script). Each call spawns a
// fresh process in its own process group so a timeout can kill the whole
// tree, not just the direct child, the same way a shell job control system
// would.
type CLIDriver struct {
	// BinPath is the executable to invoke. It must accept the
	// subcommands: resolve, list-blocked, list-accepted, block, unblock,
	// accept, unaccept.
	BinPath string
	// Timeout bounds a single invocation. Zero means 5s.
	Timeout time.Duration
}

// NewCLIDriver returns a CLIDriver invoking binPath.
func NewCLIDriver(binPath string) *CLIDriver {
	return &CLIDriver{BinPath: binPath, Timeout: 5 * time.Second}
}

func (d *CLIDriver) timeout() time.Duration {
	if d.Timeout <= 0 {
		return 5 * time.Second
	}
	return d.Timeout
}

// needsSudo reports whether the current process must re-exec through sudo
// to reach a privileged packet-filter command. A process already running
// as root (euid 0) never needs it.
func needsSudo(requested bool) bool {
	return requested && unix.Geteuid() != 0
}

func (d *CLIDriver) run(ctx context.Context, sudo bool, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	name := d.BinPath
	fullArgs := args
	if needsSudo(sudo) {
		name = "sudo"
		fullArgs = append([]string{"-n", d.BinPath}, args...)
	}

	cmd := exec.CommandContext(ctx, name, fullArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("driver: start %s: %w", name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return "", fmt.Errorf("driver: %s timed out: %w", name, ctx.Err())
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("driver: %s failed: %w (%s)", name, err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

// killProcessGroup sends SIGKILL to the whole process group spawned for
// cmd, so a timed-out child cannot leave orphaned grandchildren behind.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}

func (d *CLIDriver) Resolve(ctx context.Context) (bool, error) {
	_, err := d.run(ctx, false, "resolve")
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *CLIDriver) ListBlockedTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[int]struct{}, error) {
	out, err := d.run(ctx, sudo, "list-blocked")
	if err != nil {
		return nil, err
	}
	ports := make(map[int]struct{})
	for _, line := range strings.Fields(out) {
		p, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if allowedPorts != nil {
			if _, ok := allowedPorts[p]; !ok {
				continue
			}
		}
		ports[p] = struct{}{}
	}
	return ports, nil
}

func (d *CLIDriver) ListAcceptedAddressesOnTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[AddressPort]struct{}, error) {
	out, err := d.run(ctx, sudo, "list-accepted")
	if err != nil {
		return nil, err
	}
	accepts := make(map[AddressPort]struct{})
	for _, line := range strings.Fields(out) {
		idx := strings.LastIndex(line, ":")
		if idx <= 0 {
			continue
		}
		port, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			continue
		}
		if allowedPorts != nil {
			if _, ok := allowedPorts[port]; !ok {
				continue
			}
		}
		accepts[AddressPort{Address: line[:idx], Port: port}] = struct{}{}
	}
	return accepts, nil
}

func (d *CLIDriver) BlockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	_, err := d.run(ctx, sudo, "block", strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *CLIDriver) UnblockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	_, err := d.run(ctx, sudo, "unblock", strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *CLIDriver) AcceptAddressOnTCPPort(ctx context.Context, addr string, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	_, err := d.run(ctx, sudo, "accept", addr, strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *CLIDriver) UnacceptAddressOnTCPPort(ctx context.Context, addr string, port *int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if port == nil {
		_, err := d.run(ctx, sudo, "unaccept", addr)
		if err != nil {
			return false, err
		}
		return true, nil
	}
	if err := validatePort(*port); err != nil {
		return false, err
	}
	if !portAllowed(*port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	_, err := d.run(ctx, sudo, "unaccept", addr, strconv.Itoa(*port))
	if err != nil {
		return false, err
	}
	return true, nil
}
