package microvm

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Default vsock and resource settings.
const (
	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3

	DefaultVCPUs = 1
	DefaultMemMB = 256

	// DefaultMaxVMs bounds concurrent microVMs. The broker keeps one live
	// executor, plus one still shutting down after a recycle.
	DefaultMaxVMs = 4
)

// GuestAgentPath is the path to the guest agent binary inside the rootfs.
const GuestAgentPath = "/usr/local/bin/sandbroker-guest"

// DefaultBootArgs are the kernel boot arguments for the microVMs.
const DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

// Config holds configuration for booting executor microVMs.
type Config struct {
	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string

	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string

	// RootfsPath is the ext4 image holding the guest agent.
	RootfsPath string

	// CNIBinDir enables guest networking when set together with ArtifactURL.
	// Without an artifact server the guest has no network at all.
	CNIBinDir string

	// CNIConfigDir, when set, receives a copy of the generated conflist.
	CNIConfigDir string

	// ArtifactURL is the server guests fetch prelude modules from. It is the
	// only destination a networked guest can reach.
	ArtifactURL string

	// VsockPort is the port the guest agent listens on.
	VsockPort uint32

	// CIDBase is the first context ID handed out.
	CIDBase uint32

	VCPUs  int
	MemMB  int
	MaxVMs int

	// GuestEnv is passed to the guest agent on the kernel command line.
	GuestEnv map[string]string
}

// Validate reports missing or malformed settings.
func (c Config) Validate() error {
	var errs []error
	if c.FirecrackerBin == "" {
		errs = append(errs, errors.New("firecracker binary is required"))
	}
	if c.KernelPath == "" {
		errs = append(errs, errors.New("kernel path is required"))
	}
	if c.RootfsPath == "" {
		errs = append(errs, errors.New("rootfs path is required"))
	}
	if c.VsockPort == 0 {
		errs = append(errs, errors.New("vsock port is required"))
	}
	if c.ArtifactURL != "" {
		if _, err := parseArtifactURL(c.ArtifactURL); err != nil {
			errs = append(errs, err)
		}
	}
	for k, v := range c.GuestEnv {
		if k == "" || strings.ContainsAny(k, " =\n") || strings.ContainsAny(v, " \n") {
			errs = append(errs, fmt.Errorf("guest env %q cannot be passed on the kernel command line", k))
		}
	}
	return errors.Join(errs...)
}

// networked reports whether guests get a network.
func (c Config) networked() bool {
	return c.CNIBinDir != "" && c.ArtifactURL != ""
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	if c.CIDBase < MinCID {
		c.CIDBase = MinCID
	}
	if c.VCPUs <= 0 {
		c.VCPUs = DefaultVCPUs
	}
	if c.MemMB <= 0 {
		c.MemMB = DefaultMemMB
	}
	if c.MaxVMs <= 0 {
		c.MaxVMs = DefaultMaxVMs
	}
	return c
}

// bootArgs returns the kernel command line, with the guest environment
// appended in a stable order.
func (c Config) bootArgs() string {
	var b strings.Builder
	b.WriteString(DefaultBootArgs)
	for _, k := range slices.Sorted(maps.Keys(c.GuestEnv)) {
		fmt.Fprintf(&b, " %s=%s", k, c.GuestEnv[k])
	}
	return b.String()
}
