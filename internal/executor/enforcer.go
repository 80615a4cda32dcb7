package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Enforcer applies network-level controls for one address. A zero
// timeout on Block means the block does not expire at the enforcement
// layer.
type Enforcer interface {
	Block(ctx context.Context, ip net.IP, timeout time.Duration) error
	Unblock(ctx context.Context, ip net.IP) error
	Isolate(ctx context.Context, ip net.IP) error
}

// Backend selects the firewall tooling.
type Backend string

const (
	BackendNftables Backend = "nftables"
	BackendIptables Backend = "iptables"
)

// FirewallConfig holds firewall enforcer settings.
type FirewallConfig struct {
	Backend      Backend `yaml:"backend" validate:"oneof=nftables iptables"`
	NftablesPath string  `yaml:"nftables_path"`
	IptablesPath string  `yaml:"iptables_path"`

	// Table is the nftables table owning the block and isolation sets.
	Table string `yaml:"table"`
}

// DefaultFirewallConfig returns the default firewall settings.
func DefaultFirewallConfig() FirewallConfig {
	return FirewallConfig{
		Backend:      BackendNftables,
		NftablesPath: "/usr/sbin/nft",
		IptablesPath: "/sbin/iptables",
		Table:        "netdefend",
	}
}

// FirewallEnforcer applies blocks through nftables or iptables.
type FirewallEnforcer struct {
	cfg FirewallConfig
}

// NewFirewallEnforcer creates a firewall-backed enforcer.
func NewFirewallEnforcer(cfg FirewallConfig) (*FirewallEnforcer, error) {
	switch cfg.Backend {
	case BackendNftables:
		if _, err := exec.LookPath(cfg.NftablesPath); err != nil {
			return nil, fmt.Errorf("executor: nftables unavailable: %w", err)
		}
	case BackendIptables:
		if _, err := exec.LookPath(cfg.IptablesPath); err != nil {
			return nil, fmt.Errorf("executor: iptables unavailable: %w", err)
		}
	default:
		return nil, fmt.Errorf("executor: unknown firewall backend %q", cfg.Backend)
	}
	return &FirewallEnforcer{cfg: cfg}, nil
}

func (f *FirewallEnforcer) Block(ctx context.Context, ip net.IP, timeout time.Duration) error {
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		return fmt.Errorf("executor: refusing to block %v", ip)
	}

	switch f.cfg.Backend {
	case BackendNftables:
		elem := fmt.Sprintf("{ %s }", ip)
		if timeout > 0 {
			elem = fmt.Sprintf("{ %s timeout %ds }", ip, int(timeout.Seconds()))
		}
		return f.nft(ctx, "add", "element", "inet", f.cfg.Table, f.setName(ip, "blocked"), elem)
	default:
		return f.ipt(ctx, ip, "-I", "INPUT", "-s", ip.String(), "-j", "DROP")
	}
}

func (f *FirewallEnforcer) Unblock(ctx context.Context, ip net.IP) error {
	switch f.cfg.Backend {
	case BackendNftables:
		err := f.nft(ctx, "delete", "element", "inet", f.cfg.Table, f.setName(ip, "blocked"),
			fmt.Sprintf("{ %s }", ip))
		if err != nil && strings.Contains(err.Error(), "does not exist") {
			return nil
		}
		return err
	default:
		// Remove every matching rule; repeated blocks may have stacked.
		for {
			if err := f.ipt(ctx, ip, "-D", "INPUT", "-s", ip.String(), "-j", "DROP"); err != nil {
				return nil
			}
		}
	}
}

func (f *FirewallEnforcer) Isolate(ctx context.Context, ip net.IP) error {
	switch f.cfg.Backend {
	case BackendNftables:
		return f.nft(ctx, "add", "element", "inet", f.cfg.Table, f.setName(ip, "isolated"),
			fmt.Sprintf("{ %s }", ip))
	default:
		if err := f.ipt(ctx, ip, "-I", "INPUT", "-s", ip.String(), "-j", "DROP"); err != nil {
			return err
		}
		return f.ipt(ctx, ip, "-I", "OUTPUT", "-d", ip.String(), "-j", "DROP")
	}
}

func (f *FirewallEnforcer) setName(ip net.IP, base string) string {
	if ip.To4() == nil {
		return base + "_v6"
	}
	return base
}

func (f *FirewallEnforcer) nft(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.cfg.NftablesPath, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("executor: nft %s failed: %s: %w", args[0], strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (f *FirewallEnforcer) ipt(ctx context.Context, ip net.IP, args ...string) error {
	path := f.cfg.IptablesPath
	if ip.To4() == nil {
		path = "/sbin/ip6tables"
	}
	cmd := exec.CommandContext(ctx, path, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("executor: %s failed: %s: %w", path, strings.TrimSpace(string(output)), err)
	}
	return nil
}

// MemoryEnforcer records controls in memory. Used in tests and when
// running without firewall privileges.
type MemoryEnforcer struct {
	mu       sync.Mutex
	blocked  map[string]time.Duration
	isolated map[string]bool

	// FailBlocks makes the next N Block calls fail.
	FailBlocks int
}

// NewMemoryEnforcer creates an in-memory enforcer.
func NewMemoryEnforcer() *MemoryEnforcer {
	return &MemoryEnforcer{
		blocked:  make(map[string]time.Duration),
		isolated: make(map[string]bool),
	}
}

func (m *MemoryEnforcer) Block(ctx context.Context, ip net.IP, timeout time.Duration) error {
	if ip == nil {
		return errors.New("executor: nil ip")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBlocks > 0 {
		m.FailBlocks--
		return errors.New("executor: injected block failure")
	}
	m.blocked[ip.String()] = timeout
	return nil
}

func (m *MemoryEnforcer) Unblock(ctx context.Context, ip net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, ip.String())
	return nil
}

func (m *MemoryEnforcer) Isolate(ctx context.Context, ip net.IP) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isolated[ip.String()] = true
	return nil
}

// Blocked reports whether the address is currently blocked.
func (m *MemoryEnforcer) Blocked(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blocked[ip]
	return ok
}

// Isolated reports whether the address is isolated.
func (m *MemoryEnforcer) Isolated(ip string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isolated[ip]
}
