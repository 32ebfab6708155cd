package microvm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/sandbroker/internal/executor"
)

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	vmSocketName    = "firecracker.sock"
	vsockSocketName = "vsock.sock"
	rootfsName      = "rootfs.ext4"

	stopTimeout = 3 * time.Second
)

// vm tracks the resources of one microVM.
type vm struct {
	gen     uint64
	id      string
	cid     uint32
	dir     string // socket files and rootfs copy
	machine *fcsdk.Machine
	cancel  context.CancelFunc
	started bool
}

// Spawner boots one microVM per Spawn.
type Spawner struct {
	cfg      Config
	nets     *GuestNetworks // nil without networking
	logger   *slog.Logger
	fcLogger *logrus.Entry

	mu     sync.Mutex
	active map[string]*vm
	stops  sync.WaitGroup

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

var _ executor.Spawner = (*Spawner)(nil)

// NewSpawner validates cfg and prepares networking when it is enabled.
func NewSpawner(cfg Config, logger *slog.Logger) (*Spawner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("microvm config: %w", err)
	}
	cfg = cfg.withDefaults()

	// The SDK logs through logrus; its output is discarded in favor of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	s := &Spawner{
		cfg:      cfg,
		logger:   logger.With("component", "microvm"),
		fcLogger: logrus.NewEntry(fcLogger),
		active:   make(map[string]*vm),
		cidNext:  cfg.CIDBase,
		cidInUse: make(map[uint32]bool),
	}

	switch {
	case cfg.networked():
		nets, err := NewGuestNetworks(cfg, s.logger)
		if err != nil {
			return nil, err
		}
		if err := nets.Verify(); err != nil {
			return nil, err
		}
		if err := nets.WriteConfList(); err != nil {
			return nil, err
		}
		if err := EnsureIPForwarding(); err != nil {
			return nil, err
		}
		s.nets = nets
	case cfg.CNIBinDir != "":
		s.logger.Info("guest networking disabled: no artifact URL to reach")
	}
	return s, nil
}

// Spawn boots the microVM of the executor generation carried by ctx and
// connects to its guest agent. The context bounds the boot and connection;
// the VM itself lives until the link is closed.
func (s *Spawner) Spawn(ctx context.Context) (executor.Link, error) {
	link, err := s.spawn(ctx)
	if err != nil {
		spawnsTotal.WithLabelValues(outcomeFailed).Inc()
		return nil, err
	}
	spawnsTotal.WithLabelValues(outcomeReady).Inc()
	return link, nil
}

func (s *Spawner) spawn(ctx context.Context) (_ executor.Link, err error) {
	gen := executor.GenerationFrom(ctx)
	if gen == 0 {
		return nil, errors.New("spawn without an executor generation")
	}
	cid, err := s.allocateCID()
	if err != nil {
		return nil, err
	}
	v := &vm{
		gen: gen,
		id:  fmt.Sprintf("g%d-%s", gen, strings.ToLower(ulid.Make().String())),
		cid: cid,
	}
	defer func() {
		if err != nil {
			s.cleanup(v)
		}
	}()

	v.dir, err = os.MkdirTemp("", "sandbroker-vm-"+v.id+"-")
	if err != nil {
		return nil, fmt.Errorf("create VM dir: %w", err)
	}
	rootfs := filepath.Join(v.dir, rootfsName)
	if err := copyRootfs(s.cfg.RootfsPath, rootfs); err != nil {
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(v.dir, vmSocketName)
	vsockPath := filepath.Join(v.dir, vsockSocketName)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: s.cfg.KernelPath,
		KernelArgs:      s.cfg.bootArgs(),
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(rootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: vsockPath, CID: v.cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(s.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(s.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: v.id,
	}

	if s.nets != nil {
		gn, err := s.nets.Attach(ctx, v.gen)
		if err != nil {
			return nil, fmt.Errorf("attach guest network: %w", err)
		}
		iface, err := staticInterface(gn)
		if err != nil {
			return nil, err
		}
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{iface}
		fcCfg.NetNS = gn.NamespacePath
	}

	// The SDK ties the VMM process to this context, so it must outlive Spawn.
	vmCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel

	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(s.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	v.machine, err = fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(s.fcLogger),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		return nil, fmt.Errorf("create machine: %w", err)
	}

	s.mu.Lock()
	s.active[v.id] = v
	s.mu.Unlock()

	bootStart := time.Now()
	if err := v.machine.Start(vmCtx); err != nil {
		return nil, fmt.Errorf("start VM: %w", err)
	}
	v.started = true
	activeVMs.Inc()

	conn, err := (&executor.VsockSpawner{UDSPath: vsockPath, Port: s.cfg.VsockPort}).Spawn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to guest: %w", err)
	}
	bootDuration.Observe(time.Since(bootStart).Seconds())

	s.logger.Info("VM started",
		"generation", v.gen,
		"vm_id", v.id,
		"cid", v.cid,
		"vcpus", s.cfg.VCPUs,
		"mem_mb", s.cfg.MemMB,
		"boot_ms", time.Since(bootStart).Milliseconds(),
	)
	return &vmLink{Link: conn, spawner: s, vm: v}, nil
}

// staticInterface attaches the TAP device from CNI and hands the guest its
// address on the kernel command line.
func staticInterface(gn *GuestNetwork) (fcsdk.NetworkInterface, error) {
	ip, ipNet, err := net.ParseCIDR(gn.GuestIP)
	if err != nil {
		return fcsdk.NetworkInterface{}, fmt.Errorf("parse guest IP %q: %w", gn.GuestIP, err)
	}
	ipNet.IP = ip
	return fcsdk.NetworkInterface{
		StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
			MacAddress:  gn.MACAddress,
			HostDevName: gn.TAPDevice,
			IPConfiguration: &fcsdk.IPConfiguration{
				IPAddr:  *ipNet,
				Gateway: net.ParseIP(gn.GatewayIP),
				IfName:  CNIIfName,
			},
		},
	}, nil
}

// vmLink stops its VM when closed. The stop runs in the background so that
// recycling an executor does not wait for the VMM to exit.
type vmLink struct {
	executor.Link
	spawner *Spawner
	vm      *vm
	once    sync.Once
}

func (l *vmLink) Close() error {
	err := l.Link.Close()
	l.once.Do(func() {
		l.spawner.stops.Go(func() { l.spawner.cleanup(l.vm) })
	})
	return err
}

// Active returns the number of tracked VMs.
func (s *Spawner) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown waits for pending stops and then stops every remaining VM.
func (s *Spawner) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.stops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown: pending VM stops did not finish", "error", ctx.Err())
	}

	s.mu.Lock()
	vms := make([]*vm, 0, len(s.active))
	for _, v := range s.active {
		vms = append(vms, v)
	}
	s.mu.Unlock()

	for _, v := range vms {
		s.cleanup(v)
	}
	if s.nets != nil {
		s.nets.DetachAll(ctx)
	}
}

// cleanup stops the VM and releases everything allocated for it. It is
// safe on a partially created VM and runs at most once per VM.
func (s *Spawner) cleanup(v *vm) {
	s.mu.Lock()
	if _, tracked := s.active[v.id]; !tracked && v.machine != nil {
		s.mu.Unlock()
		return
	}
	delete(s.active, v.id)
	s.mu.Unlock()

	start := time.Now()

	if v.machine != nil && v.started {
		if err := v.machine.StopVMM(); err != nil {
			s.logger.Debug("StopVMM failed", "vm_id", v.id, "error", err)
		}
		waitCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := v.machine.Wait(waitCtx); err != nil {
			s.logger.Debug("wait for VM exit", "vm_id", v.id, "error", err)
		}
		cancel()
		activeVMs.Dec()
	}
	if v.cancel != nil {
		v.cancel()
	}

	s.releaseCID(v.cid)

	if s.nets != nil {
		detachCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := s.nets.Detach(detachCtx, v.gen); err != nil {
			s.logger.Warn("guest network detach failed", "generation", v.gen, "error", err)
		}
		cancel()
	}

	if v.dir != "" {
		os.RemoveAll(v.dir)
	}

	cleanupDuration.Observe(time.Since(start).Seconds())
	s.logger.Debug("VM stopped", "generation", v.gen, "vm_id", v.id)
}

// allocateCID returns the next free context ID, failing once MaxVMs are in use.
func (s *Spawner) allocateCID() (uint32, error) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()

	if len(s.cidInUse) >= s.cfg.MaxVMs {
		return 0, fmt.Errorf("no available CIDs (all %d slots in use)", s.cfg.MaxVMs)
	}
	for i := range uint32(s.cfg.MaxVMs) + 1 {
		candidate := max(s.cidNext+i, MinCID)
		if !s.cidInUse[candidate] {
			s.cidInUse[candidate] = true
			s.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", s.cfg.MaxVMs)
}

func (s *Spawner) releaseCID(cid uint32) {
	s.cidMu.Lock()
	defer s.cidMu.Unlock()
	delete(s.cidInUse, cid)
}

// copyRootfs copies the rootfs image, using copy-on-write where the
// filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, strings.TrimSpace(string(output)), err)
	}
	return nil
}
