// Package rpctest provides an in-memory storage backend fabric for tests.
// Backends keep the bdevs, controllers and subsystems they were asked to
// create, and a remote attach only succeeds when some backend on the fabric
// exposes the requested NQN on the requested listener.
package rpctest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/codes"

	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
)

// PhysicalDevice is an NVMe namespace plugged into a fake backend's host
type PhysicalDevice struct {
	PCIeAddress string
	Model       string
	Serial      string
	BlockSize   uint32
	NumBlocks   uint64
}

// Fabric routes nodes to fake backends by their RPC address
type Fabric struct {
	mu       sync.Mutex
	backends map[string]*Backend
}

// NewFabric creates an empty fabric
func NewFabric() *Fabric {
	return &Fabric{backends: make(map[string]*Backend)}
}

// AddBackend registers a backend reachable at address
func (f *Fabric) AddBackend(address string, devices ...PhysicalDevice) *Backend {
	b := &Backend{
		fabric:      f,
		address:     address,
		devices:     make(map[string]PhysicalDevice),
		controllers: make(map[string]string),
		bdevs:       make(map[string]rpc.BdevInfo),
		subsystems:  make(map[string]*subsystem),
		transports:  make(map[string]bool),
		failures:    make(map[rpc.Method]*failure),
		hooks:       make(map[rpc.Method]func()),
	}
	for _, d := range devices {
		b.devices[d.PCIeAddress] = d
	}

	f.mu.Lock()
	f.backends[address] = b
	f.mu.Unlock()
	return b
}

// Backend returns the backend at address, or nil
func (f *Fabric) Backend(address string) *Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[address]
}

// Client implements rpc.Dialer
func (f *Fabric) Client(node *models.StorageNode) (rpc.Client, error) {
	b := f.Backend(node.RPCAddress)
	if b == nil {
		return nil, fmt.Errorf("no backend at %q", node.RPCAddress)
	}
	return b, nil
}

// exposer returns the backend exposing nqn on ip:port
func (f *Fabric) exposer(nqn string, l rpc.Listener) *Backend {
	f.mu.Lock()
	backends := make([]*Backend, 0, len(f.backends))
	for _, b := range f.backends {
		backends = append(backends, b)
	}
	f.mu.Unlock()

	for _, b := range backends {
		if b.exposes(nqn, l) {
			return b
		}
	}
	return nil
}

type subsystem struct {
	listeners  []rpc.Listener
	namespaces []string
}

type failure struct {
	err   error
	times int // <= 0 means forever
}

// Call is one recorded backend call
type Call struct {
	Method rpc.Method
	Arg    string
}

// Backend is a fake storage backend implementing rpc.Client
type Backend struct {
	fabric  *Fabric
	address string

	mu          sync.Mutex
	down        bool
	devices     map[string]PhysicalDevice
	controllers map[string]string // controller name -> pcie address or remote nqn
	bdevs       map[string]rpc.BdevInfo
	subsystems  map[string]*subsystem
	transports  map[string]bool
	failures    map[rpc.Method]*failure
	hooks       map[rpc.Method]func()
	calls       []Call
	maps        []*models.ClusterMap
	addNodes    []*models.ClusterMap
	events      []rpc.StatusEvent
}

var _ rpc.Client = (*Backend)(nil)

// Address returns the RPC address of the backend
func (b *Backend) Address() string {
	return b.address
}

// PlugDevice adds a physical device to the host
func (b *Backend) PlugDevice(d PhysicalDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.PCIeAddress] = d
}

// UnplugDevice removes a physical device and any controller bound to it
func (b *Backend) UnplugDevice(pcie string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, pcie)
	for name, addr := range b.controllers {
		if addr == pcie {
			delete(b.controllers, name)
			delete(b.bdevs, name+"n1")
		}
	}
}

// Reset drops all runtime state, as a backend restart does. Physical
// devices stay plugged.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controllers = make(map[string]string)
	b.bdevs = make(map[string]rpc.BdevInfo)
	b.subsystems = make(map[string]*subsystem)
	b.transports = make(map[string]bool)
}

// SetDown makes every call fail as unavailable
func (b *Backend) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// FailOn makes every call of m fail with err
func (b *Backend) FailOn(m rpc.Method, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[m] = &failure{err: err}
}

// FailTimes makes the next n calls of m fail with err
func (b *Backend) FailTimes(m rpc.Method, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[m] = &failure{err: err, times: n}
}

// ClearFailures removes all injected failures
func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[rpc.Method]*failure)
}

// OnceBefore runs fn before the next call of m, outside the backend lock.
// Tests use it to hold an operation at a chosen point.
func (b *Backend) OnceBefore(m rpc.Method, fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[m] = fn
}

// Calls returns every call made so far
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallCount returns how many times m was called
func (b *Backend) CallCount(m rpc.Method) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == m {
			n++
		}
	}
	return n
}

// Maps returns the full cluster maps received
func (b *Backend) Maps() []*models.ClusterMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.ClusterMap(nil), b.maps...)
}

// IncrementalMaps returns the incremental maps received
func (b *Backend) IncrementalMaps() []*models.ClusterMap {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*models.ClusterMap(nil), b.addNodes...)
}

// Events returns the status events received
func (b *Backend) Events() []rpc.StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rpc.StatusEvent(nil), b.events...)
}

// HasBdev reports whether a bdev exists
func (b *Backend) HasBdev(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bdevs[name]
	return ok
}

// HasController reports whether a controller exists
func (b *Backend) HasController(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.controllers[name]
	return ok
}

// Controllers returns the names of controllers whose name has prefix
func (b *Backend) Controllers(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name := range b.controllers {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// Namespaces returns the bdevs attached under a subsystem
func (b *Backend) Namespaces(nqn string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subsystems[nqn]; ok {
		return append([]string(nil), s.namespaces...)
	}
	return nil
}

func (b *Backend) exposes(nqn string, l rpc.Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return false
	}
	s, ok := b.subsystems[nqn]
	if !ok || len(s.namespaces) == 0 {
		return false
	}
	for _, have := range s.listeners {
		if have.IP == l.IP && have.Port == l.Port {
			return true
		}
	}
	return false
}

// begin runs a pending hook, records the call and returns an injected
// failure, if any. b.mu must be held; a hook runs with it released.
func (b *Backend) begin(m rpc.Method, arg string) error {
	if fn, ok := b.hooks[m]; ok {
		delete(b.hooks, m)
		b.mu.Unlock()
		fn()
		b.mu.Lock()
	}
	b.calls = append(b.calls, Call{Method: m, Arg: arg})
	if b.down {
		return rpc.NewError(m, b.address, codes.Unavailable, "backend down")
	}
	f, ok := b.failures[m]
	if !ok {
		return nil
	}
	if f.times > 0 {
		f.times--
		if f.times == 0 {
			delete(b.failures, m)
		}
	}
	return f.err
}

func (b *Backend) fail(m rpc.Method, code codes.Code, format string, args ...interface{}) error {
	return rpc.NewError(m, b.address, code, fmt.Sprintf(format, args...))
}

func (b *Backend) AttachController(_ context.Context, name, pcieAddress string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodControllerAttach, name); err != nil {
		return nil, err
	}
	dev, ok := b.devices[pcieAddress]
	if !ok {
		return nil, b.fail(rpc.MethodControllerAttach, codes.NotFound, "no device at %s", pcieAddress)
	}
	if _, ok := b.controllers[name]; ok {
		return nil, b.fail(rpc.MethodControllerAttach, codes.AlreadyExists, "controller %s exists", name)
	}
	b.controllers[name] = pcieAddress
	bdev := name + "n1"
	b.bdevs[bdev] = rpc.BdevInfo{
		Name:        bdev,
		BlockSize:   dev.BlockSize,
		NumBlocks:   dev.NumBlocks,
		Model:       dev.Model,
		Serial:      dev.Serial,
		Driver:      "nvme",
		PCIeAddress: pcieAddress,
	}
	return []string{bdev}, nil
}

func (b *Backend) GetBdevs(_ context.Context, name string) ([]rpc.BdevInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodGetBdevs, name); err != nil {
		return nil, err
	}
	if name != "" {
		info, ok := b.bdevs[name]
		if !ok {
			return nil, b.fail(rpc.MethodGetBdevs, codes.NotFound, "no bdev %s", name)
		}
		return []rpc.BdevInfo{info}, nil
	}
	out := make([]rpc.BdevInfo, 0, len(b.bdevs))
	for _, info := range b.bdevs {
		out = append(out, info)
	}
	return out, nil
}

func (b *Backend) layer(m rpc.Method, name, base string) error {
	if err := b.begin(m, name); err != nil {
		return err
	}
	baseInfo, ok := b.bdevs[base]
	if !ok {
		return b.fail(m, codes.NotFound, "no base bdev %s", base)
	}
	if _, ok := b.bdevs[name]; ok {
		return b.fail(m, codes.AlreadyExists, "bdev %s exists", name)
	}
	info := baseInfo
	info.Name = name
	info.Driver = m.String()
	b.bdevs[name] = info
	return nil
}

func (b *Backend) CreateTestingBdev(_ context.Context, name, base string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layer(rpc.MethodTestingCreate, name, base)
}

func (b *Backend) CreateAlceml(_ context.Context, name, base string, _ rpc.AlcemlOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layer(rpc.MethodAlcemlCreate, name, base)
}

func (b *Backend) CreatePTNoExcl(_ context.Context, name, base string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.layer(rpc.MethodPTNoExclCreate, name, base)
}

func (b *Backend) DeleteBdev(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodBdevDelete, name); err != nil {
		return err
	}
	if _, ok := b.bdevs[name]; !ok {
		return b.fail(rpc.MethodBdevDelete, codes.NotFound, "no bdev %s", name)
	}
	delete(b.bdevs, name)
	return nil
}

func (b *Backend) CreateSubsystem(_ context.Context, nqn, _, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodSubsystemCreate, nqn); err != nil {
		return err
	}
	if _, ok := b.subsystems[nqn]; ok {
		return b.fail(rpc.MethodSubsystemCreate, codes.AlreadyExists, "subsystem %s exists", nqn)
	}
	b.subsystems[nqn] = &subsystem{}
	return nil
}

func (b *Backend) ListSubsystems(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodSubsystemList, ""); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(b.subsystems))
	for nqn := range b.subsystems {
		out = append(out, nqn)
	}
	return out, nil
}

func (b *Backend) DeleteSubsystem(_ context.Context, nqn string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodSubsystemDelete, nqn); err != nil {
		return err
	}
	if _, ok := b.subsystems[nqn]; !ok {
		return b.fail(rpc.MethodSubsystemDelete, codes.NotFound, "no subsystem %s", nqn)
	}
	delete(b.subsystems, nqn)
	return nil
}

func (b *Backend) CreateTransport(_ context.Context, transport string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodTransportCreate, transport); err != nil {
		return err
	}
	if b.transports[transport] {
		return b.fail(rpc.MethodTransportCreate, codes.AlreadyExists, "transport %s exists", transport)
	}
	b.transports[transport] = true
	return nil
}

func (b *Backend) CreateListener(_ context.Context, nqn string, l rpc.Listener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodListenerCreate, nqn); err != nil {
		return err
	}
	s, ok := b.subsystems[nqn]
	if !ok {
		return b.fail(rpc.MethodListenerCreate, codes.NotFound, "no subsystem %s", nqn)
	}
	if !b.transports[l.Transport] {
		return b.fail(rpc.MethodListenerCreate, codes.FailedPrecondition, "no %s transport", l.Transport)
	}
	for _, have := range s.listeners {
		if have == l {
			return b.fail(rpc.MethodListenerCreate, codes.AlreadyExists, "listener exists")
		}
	}
	s.listeners = append(s.listeners, l)
	return nil
}

func (b *Backend) AddNamespace(_ context.Context, nqn, bdev string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodSubsystemAddNS, nqn); err != nil {
		return err
	}
	s, ok := b.subsystems[nqn]
	if !ok {
		return b.fail(rpc.MethodSubsystemAddNS, codes.NotFound, "no subsystem %s", nqn)
	}
	if _, ok := b.bdevs[bdev]; !ok {
		return b.fail(rpc.MethodSubsystemAddNS, codes.NotFound, "no bdev %s", bdev)
	}
	for _, ns := range s.namespaces {
		if ns == bdev {
			return b.fail(rpc.MethodSubsystemAddNS, codes.AlreadyExists, "namespace exists")
		}
	}
	s.namespaces = append(s.namespaces, bdev)
	return nil
}

func (b *Backend) AttachRemoteController(_ context.Context, name, nqn string, l rpc.Listener) ([]string, error) {
	b.mu.Lock()
	if err := b.begin(rpc.MethodAttachControllerTCP, name); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if _, ok := b.controllers[name]; ok {
		b.mu.Unlock()
		return nil, b.fail(rpc.MethodAttachControllerTCP, codes.AlreadyExists, "controller %s exists", name)
	}
	b.mu.Unlock()

	// look the target up without holding our own lock
	if b.fabric.exposer(nqn, l) == nil {
		return nil, b.fail(rpc.MethodAttachControllerTCP, codes.Unavailable, "no target %s at %s:%d", nqn, l.IP, l.Port)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.controllers[name] = nqn
	bdev := name + "n1"
	b.bdevs[bdev] = rpc.BdevInfo{Name: bdev, Driver: "nvme_tcp"}
	return []string{bdev}, nil
}

func (b *Backend) DetachController(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodDetachController, name); err != nil {
		return err
	}
	if _, ok := b.controllers[name]; !ok {
		return b.fail(rpc.MethodDetachController, codes.NotFound, "no controller %s", name)
	}
	delete(b.controllers, name)
	delete(b.bdevs, name+"n1")
	return nil
}

func (b *Backend) SendClusterMap(_ context.Context, m *models.ClusterMap) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodSendClusterMap, m.TargetNodeID); err != nil {
		return err
	}
	b.maps = append(b.maps, m)
	return nil
}

func (b *Backend) AddNodes(_ context.Context, m *models.ClusterMap) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodAddNodes, m.TargetNodeID); err != nil {
		return err
	}
	b.addNodes = append(b.addNodes, m)
	return nil
}

func (b *Backend) UpdateStatusEvents(_ context.Context, events []rpc.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(rpc.MethodStatusEventsUpdate, ""); err != nil {
		return err
	}
	b.events = append(b.events, events...)
	return nil
}
