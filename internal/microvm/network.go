package microvm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
)

// Guest network layout. Every executor generation gets its own namespace on
// the bridge, named after the generation.
const (
	BridgeName = "sbbr0"
	Subnet     = "10.169.0.0/24"
	Gateway    = "10.169.0.1"

	CNINetworkName = "sandbroker-vmnet"
	CNIVersion     = "1.0.0"
	CNIIfName      = "eth0"
	CNICacheDir    = "/var/lib/cni/cache"

	NetNSRunDir = "/var/run/netns"

	generationPrefix = "sandbroker-g"
)

var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

// egressChains carry the per-guest filter rules: FORWARD for traffic leaving
// the host, INPUT for traffic addressed to the host itself.
var egressChains = []string{"FORWARD", "INPUT"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// GuestNetwork is the network attached to one generation's microVM.
type GuestNetwork struct {
	Namespace     string
	NamespacePath string
	TAPDevice     string
	MACAddress    string

	// GuestIP is in CIDR notation.
	GuestIP   string
	GatewayIP string
}

// attachment is what Attach created for a generation and Detach must undo.
type attachment struct {
	net   GuestNetwork
	rules [][]string // installed iptables rule specs, without the -I/-D verb
}

// commandRunner runs a host networking command and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return out, nil
}

// artifactEndpoint is the only destination a guest may reach.
type artifactEndpoint struct {
	host string
	port int
}

func parseArtifactURL(raw string) (artifactEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return artifactEndpoint{}, fmt.Errorf("parse artifact URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return artifactEndpoint{}, fmt.Errorf("artifact URL scheme %q is not http or https", u.Scheme)
	}
	ep := artifactEndpoint{host: u.Hostname(), port: 80}
	if u.Scheme == "https" {
		ep.port = 443
	}
	if ep.host == "" {
		return artifactEndpoint{}, errors.New("artifact URL has no host")
	}
	if addr, err := netip.ParseAddr(ep.host); err == nil && !addr.Is4() {
		return artifactEndpoint{}, fmt.Errorf("artifact host %s is not IPv4", addr)
	}
	if p := u.Port(); p != "" {
		if ep.port, err = strconv.Atoi(p); err != nil {
			return artifactEndpoint{}, fmt.Errorf("artifact URL port %q: %w", p, err)
		}
	}
	return ep, nil
}

// named reports whether the guest has to resolve the host through DNS.
func (e artifactEndpoint) named() bool {
	_, err := netip.ParseAddr(e.host)
	return err != nil
}

// addrs resolves the host to IPv4 addresses. Resolution happens per
// generation so a moved artifact server is picked up on the next recycle.
func (e artifactEndpoint) addrs(ctx context.Context) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(e.host); err == nil {
		return []netip.Addr{addr}, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", e.host)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact host %s: %w", e.host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("artifact host %s has no IPv4 address", e.host)
	}
	for i, a := range addrs {
		addrs[i] = a.Unmap()
	}
	return addrs, nil
}

// GuestNetworks attaches executor microVMs to the bridge and confines each
// guest to the artifact server. Networks are keyed by executor generation.
type GuestNetworks struct {
	binDir        string
	configDir     string
	cni           libcni.CNI
	confList      *libcni.NetworkConfigList
	confListBytes []byte
	artifact      artifactEndpoint
	run           commandRunner
	netnsDir      string
	logger        *slog.Logger

	mu       sync.Mutex
	attached map[uint64]*attachment
}

// NewGuestNetworks prepares networking for guests that fetch artifacts from
// cfg.ArtifactURL, using the plugins in cfg.CNIBinDir.
func NewGuestNetworks(cfg Config, logger *slog.Logger) (*GuestNetworks, error) {
	artifact, err := parseArtifactURL(cfg.ArtifactURL)
	if err != nil {
		return nil, err
	}
	confBytes, err := generateConfList()
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}
	return &GuestNetworks{
		binDir:        cfg.CNIBinDir,
		configDir:     cfg.CNIConfigDir,
		cni:           libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:      confList,
		confListBytes: confBytes,
		artifact:      artifact,
		run:           runCommand,
		netnsDir:      NetNSRunDir,
		logger:        logger,
		attached:      make(map[uint64]*attachment),
	}, nil
}

func namespaceName(gen uint64) string {
	return generationPrefix + strconv.FormatUint(gen, 10)
}

func (g *GuestNetworks) runtimeConf(gen uint64) *libcni.RuntimeConf {
	ns := namespaceName(gen)
	return &libcni.RuntimeConf{
		ContainerID: ns,
		NetNS:       filepath.Join(g.netnsDir, ns),
		IfName:      CNIIfName,
	}
}

// Attach creates the namespace of generation gen, connects it to the bridge
// and installs its egress rules. On failure nothing is left behind.
func (g *GuestNetworks) Attach(ctx context.Context, gen uint64) (_ *GuestNetwork, err error) {
	ns := namespaceName(gen)

	g.mu.Lock()
	_, exists := g.attached[gen]
	g.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("generation %d is already attached", gen)
	}

	att := &attachment{net: GuestNetwork{Namespace: ns}}
	defer func() {
		if err != nil {
			if undoErr := g.undo(context.WithoutCancel(ctx), gen, att); undoErr != nil {
				g.logger.Warn("undo failed attach", "generation", gen, "error", undoErr)
			}
		}
	}()

	g.reclaim(ctx, gen)

	if _, err := g.run(ctx, "ip", "netns", "add", ns); err != nil {
		return nil, fmt.Errorf("create netns: %w", err)
	}
	result, err := g.cni.AddNetworkList(ctx, g.confList, g.runtimeConf(gen))
	if err != nil {
		return nil, fmt.Errorf("CNI ADD for generation %d: %w", gen, err)
	}
	gn, err := parseResult(result, ns)
	if err != nil {
		return nil, fmt.Errorf("CNI result for generation %d: %w", gen, err)
	}
	gn.NamespacePath = filepath.Join(g.netnsDir, ns)
	att.net = *gn

	if err := g.restrictEgress(ctx, gen, att); err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.attached[gen] = att
	g.mu.Unlock()

	g.logger.Debug("guest network attached",
		"generation", gen,
		"tap", gn.TAPDevice,
		"guest_ip", gn.GuestIP,
		"rules", len(att.rules),
	)
	return gn, nil
}

// reclaim removes a namespace of the same name left over from an earlier
// process, whose generations also started at 1.
func (g *GuestNetworks) reclaim(ctx context.Context, gen uint64) {
	ns := namespaceName(gen)
	if _, err := os.Stat(filepath.Join(g.netnsDir, ns)); err != nil {
		return
	}
	g.logger.Warn("reclaiming stale guest namespace", "generation", gen, "namespace", ns)
	if err := g.cni.DelNetworkList(ctx, g.confList, g.runtimeConf(gen)); err != nil {
		g.logger.Debug("CNI DEL of stale namespace", "generation", gen, "error", err)
	}
	if err := g.removeNamespace(ctx, ns); err != nil {
		g.logger.Debug("delete stale namespace", "generation", gen, "error", err)
	}
}

func (g *GuestNetworks) restrictEgress(ctx context.Context, gen uint64, att *attachment) error {
	prefix, err := netip.ParsePrefix(att.net.GuestIP)
	if err != nil {
		return fmt.Errorf("parse guest IP %q: %w", att.net.GuestIP, err)
	}
	allowed, err := g.artifact.addrs(ctx)
	if err != nil {
		return err
	}
	for _, rule := range egressRules(gen, prefix.Addr(), allowed, g.artifact.port, g.artifact.named()) {
		if _, err := g.run(ctx, "iptables", append([]string{"-w", "-I"}, rule...)...); err != nil {
			return fmt.Errorf("install egress rule: %w", err)
		}
		att.rules = append(att.rules, rule)
	}
	return nil
}

// egressRules returns the filter rules for one guest in insertion order.
// Each is inserted at the head of its chain, so the trailing DROP for a
// chain is inserted first and ends up below the accepts.
func egressRules(gen uint64, guest netip.Addr, allowed []netip.Addr, port int, dns bool) [][]string {
	src := netip.PrefixFrom(guest, 32).String()
	tag := []string{"-m", "comment", "--comment", namespaceName(gen)}
	dport := strconv.Itoa(port)

	var rules [][]string
	for _, chain := range egressChains {
		rules = append(rules, slices.Concat([]string{chain, "-s", src}, tag, []string{"-j", "DROP"}))
		for _, a := range allowed {
			dst := netip.PrefixFrom(a, 32).String()
			rules = append(rules, slices.Concat(
				[]string{chain, "-s", src, "-d", dst, "-p", "tcp", "--dport", dport}, tag, []string{"-j", "ACCEPT"}))
		}
		if dns && chain == "FORWARD" {
			for _, proto := range []string{"udp", "tcp"} {
				rules = append(rules, slices.Concat(
					[]string{chain, "-s", src, "-p", proto, "--dport", "53"}, tag, []string{"-j", "ACCEPT"}))
			}
		}
	}
	return rules
}

// Detach undoes Attach for generation gen. Unknown generations are a no-op.
func (g *GuestNetworks) Detach(ctx context.Context, gen uint64) error {
	g.mu.Lock()
	att, ok := g.attached[gen]
	delete(g.attached, gen)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	return g.undo(ctx, gen, att)
}

func (g *GuestNetworks) undo(ctx context.Context, gen uint64, att *attachment) error {
	var errs []error
	for _, rule := range att.rules {
		if _, err := g.run(ctx, "iptables", append([]string{"-w", "-D"}, rule...)...); err != nil {
			errs = append(errs, fmt.Errorf("remove egress rule: %w", err))
		}
	}
	if err := g.cni.DelNetworkList(ctx, g.confList, g.runtimeConf(gen)); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for generation %d: %w", gen, err))
	}
	if err := g.removeNamespace(ctx, att.net.Namespace); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// DetachAll detaches every generation still attached.
func (g *GuestNetworks) DetachAll(ctx context.Context) {
	for _, gen := range g.Generations() {
		if err := g.Detach(ctx, gen); err != nil {
			g.logger.Error("detach during shutdown", "generation", gen, "error", err)
		}
	}
}

// Generations returns the attached generations in ascending order.
func (g *GuestNetworks) Generations() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	gens := make([]uint64, 0, len(g.attached))
	for gen := range g.attached {
		gens = append(gens, gen)
	}
	slices.Sort(gens)
	return gens
}

// removeNamespace deletes a named namespace. A missing one is not an error.
func (g *GuestNetworks) removeNamespace(ctx context.Context, ns string) error {
	if _, err := os.Stat(filepath.Join(g.netnsDir, ns)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", ns, err)
	}
	if _, err := g.run(ctx, "ip", "netns", "delete", ns); err != nil {
		return fmt.Errorf("delete netns: %w", err)
	}
	return nil
}

// Verify checks that the required CNI plugins are installed.
func (g *GuestNetworks) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(g.binDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", g.binDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList publishes the conflist to the config directory, if one is
// configured, so CNI tooling on the host can inspect guest networks.
func (g *GuestNetworks) WriteConfList() error {
	if g.configDir == "" {
		return nil
	}
	if err := os.MkdirAll(g.configDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(g.configDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, g.confListBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	g.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

type conflist struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList returns a bridge with masquerading gateway, followed by
// tc-redirect-tap to hand the veth over to a TAP device for Firecracker.
func generateConfList() ([]byte, error) {
	return json.MarshalIndent(conflist{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    BridgeName,
				"isGateway": true,
				"ipMasq":    true,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  Subnet,
					"gateway": Gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
}

// parseResult picks the TAP device and guest address out of a CNI ADD
// result for namespace ns.
func parseResult(result types.Result, ns string) (*GuestNetwork, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	gn := &GuestNetwork{Namespace: ns}
	// tc-redirect-tap adds the TAP next to the veth; fall back to the veth.
	var fallback *types100.Interface
	for _, iface := range res.Interfaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			gn.TAPDevice, gn.MACAddress = iface.Name, iface.Mac
			break
		}
		if fallback == nil {
			fallback = iface
		}
	}
	if gn.TAPDevice == "" && fallback != nil {
		gn.TAPDevice, gn.MACAddress = fallback.Name, fallback.Mac
	}
	if gn.TAPDevice == "" {
		return nil, errors.New("no TAP device in CNI result")
	}

	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}
	gn.GuestIP = res.IPs[0].Address.String()
	if gw := res.IPs[0].Gateway; gw != nil {
		gn.GatewayIP = gw.String()
	}
	return gn, nil
}

// EnsureIPForwarding enables IPv4 forwarding, which the bridge's outbound
// NAT to the artifact server needs.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}
