// Package mesh maintains the remote device mesh: every online node holds a
// fabric connection to every online device exposed by every other online
// node.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/nodelock"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/utils"
)

// Report summarises a mesh fan-out. Failures never abort the fan-out.
type Report struct {
	mu        sync.Mutex
	Connected int
	Detached  int
	Failures  []Failure
}

// Failure is one holder/device pair that could not be processed
type Failure struct {
	HolderID string
	DeviceID string
	Err      error
}

func (r *Report) connected() {
	r.mu.Lock()
	r.Connected++
	r.mu.Unlock()
}

func (r *Report) detached() {
	r.mu.Lock()
	r.Detached++
	r.mu.Unlock()
}

func (r *Report) fail(holderID, deviceID string, err error) {
	r.mu.Lock()
	r.Failures = append(r.Failures, Failure{HolderID: holderID, DeviceID: deviceID, Err: err})
	r.mu.Unlock()
}

// Failed returns the number of failed pairs
func (r *Report) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Failures)
}

// Connector builds and tears down mesh connections
type Connector struct {
	dialer      rpc.Dialer
	store       metadata.Manager
	locker      nodelock.Locker
	cfg         config.MeshConfig
	maxParallel int
	lockTimeout time.Duration
	clock       clock.Clock
	logger      *logging.Logger
}

// Option customizes a Connector
type Option func(*Connector)

// WithClock replaces the clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(m *Connector) { m.clock = c }
}

// New creates a Connector. Peer records are updated under the peer's node
// lock, acquired with lockTimeout.
func New(dialer rpc.Dialer, store metadata.Manager, locker nodelock.Locker, cfg config.MeshConfig, orch config.OrchestratorConfig, logger *logging.Logger, opts ...Option) *Connector {
	c := &Connector{
		dialer:      dialer,
		store:       store,
		locker:      locker,
		cfg:         cfg,
		maxParallel: orch.MaxParallel,
		lockTimeout: orch.LockTimeout,
		clock:       clock.New(),
		logger:      logger.Component("mesh"),
	}
	if c.maxParallel <= 0 {
		c.maxParallel = utils.DefaultMaxParallel
	}
	if c.lockTimeout <= 0 {
		c.lockTimeout = utils.DefaultLockTimeout
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ConnectNode connects node to every online device of the online peers and
// every online peer to the online devices of node. node is held by the
// caller, who persists its RemoteDevices; peer records are written here.
func (c *Connector) ConnectNode(ctx context.Context, node *models.StorageNode, peers []*models.StorageNode) *Report {
	report := &Report{}
	own := node.OnlineDevices()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)

	// node -> peers' devices
	g.Go(func() error {
		var remote []*models.NVMeDevice
		for _, peer := range peers {
			if peer.ID == node.ID || peer.Status != models.NodeOnline {
				continue
			}
			remote = append(remote, peer.OnlineDevices()...)
		}
		refs := c.attachAll(gctx, node, remote, report)
		for _, ref := range refs {
			node.SetRemoteDevice(ref)
		}
		return nil
	})

	// peers -> node's devices
	for _, peer := range peers {
		if peer.ID == node.ID || peer.Status != models.NodeOnline || len(own) == 0 {
			continue
		}
		g.Go(func() error {
			refs := c.attachAll(gctx, peer, own, report)
			if len(refs) == 0 {
				return nil
			}
			err := c.updatePeer(gctx, peer.ID, func(p *models.StorageNode) {
				for _, ref := range refs {
					p.SetRemoteDevice(ref)
				}
			})
			if err != nil {
				c.logger.Error("Failed to record remote devices on peer",
					"peer_id", peer.ID,
					"node_id", node.ID,
					"error", err)
				for _, ref := range refs {
					report.fail(peer.ID, ref.ID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info("Mesh connect finished",
		"node_id", node.ID,
		"connected", report.Connected,
		"failed", report.Failed())
	return report
}

// ConnectDevice connects every online peer of the device's owner to dev
func (c *Connector) ConnectDevice(ctx context.Context, dev *models.NVMeDevice, peers []*models.StorageNode) *Report {
	report := &Report{}
	if dev.Status != models.DeviceOnline {
		return report
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, peer := range peers {
		if peer.ID == dev.NodeID || peer.Status != models.NodeOnline {
			continue
		}
		g.Go(func() error {
			refs := c.attachAll(gctx, peer, []*models.NVMeDevice{dev}, report)
			if len(refs) == 0 {
				return nil
			}
			if err := c.updatePeer(gctx, peer.ID, func(p *models.StorageNode) { p.SetRemoteDevice(refs[0]) }); err != nil {
				report.fail(peer.ID, dev.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// attachAll makes holder attach each device and returns the references
// that succeeded. Failures are logged and recorded, then skipped.
func (c *Connector) attachAll(ctx context.Context, holder *models.StorageNode, devices []*models.NVMeDevice, report *Report) []*models.NVMeDevice {
	if len(devices) == 0 {
		return nil
	}
	client, err := c.dialer.Client(holder)
	if err != nil {
		c.logger.Warn("Cannot reach mesh holder", "holder_id", holder.ID, "error", err)
		for _, dev := range devices {
			report.fail(holder.ID, dev.ID, err)
		}
		return nil
	}

	var refs []*models.NVMeDevice
	for _, dev := range devices {
		ref, err := c.attach(ctx, client, dev)
		if err != nil {
			c.logger.Warn("Failed to connect remote device",
				"holder_id", holder.ID,
				"device_id", dev.ID,
				"owner_id", dev.NodeID,
				"error", err)
			report.fail(holder.ID, dev.ID, err)
			continue
		}
		report.connected()
		refs = append(refs, ref)
	}
	return refs
}

func (c *Connector) attach(ctx context.Context, client rpc.Client, dev *models.NVMeDevice) (*models.NVMeDevice, error) {
	if dev.NvmfNQN == "" || dev.NvmfIP == "" {
		return nil, fmt.Errorf("device %s is not exposed", dev.ID)
	}

	name := dev.RemoteControllerName()
	bdev := name + "n1"
	listener := rpc.Listener{Transport: dev.NvmfTransport, IP: dev.NvmfIP, Port: dev.NvmfPort}
	names, err := client.AttachRemoteController(ctx, name, dev.NvmfNQN, listener)
	switch {
	case err == nil:
		if len(names) > 0 {
			bdev = names[0]
		}
	case rpc.IsAlreadyExists(err) && c.cfg.ExistsIsSuccess:
		// the controller name is deterministic so an existing one is ours
	default:
		return nil, err
	}
	return dev.RemoteRef(bdev, c.clock.Now().UTC()), nil
}

// updatePeer applies fn to a fresh copy of a peer record under its lock
func (c *Connector) updatePeer(ctx context.Context, peerID string, fn func(*models.StorageNode)) error {
	unlock, err := nodelock.LockTimeout(ctx, c.locker, peerID, c.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	peer, err := c.store.GetNode(ctx, peerID)
	if err != nil {
		return err
	}
	fn(peer)
	peer.UpdatedAt = c.clock.Now().UTC()
	return c.store.PutNode(ctx, peer)
}

// DisconnectNode makes every peer detach its connections to node's devices.
// With drop the references are forgotten, otherwise they are kept and
// marked unavailable.
func (c *Connector) DisconnectNode(ctx context.Context, node *models.StorageNode, peers []*models.StorageNode, drop bool) *Report {
	return c.disconnect(ctx, node.NVMeDevices, peers, drop)
}

// DisconnectDevice makes every peer detach its connection to dev
func (c *Connector) DisconnectDevice(ctx context.Context, dev *models.NVMeDevice, peers []*models.StorageNode, drop bool) *Report {
	return c.disconnect(ctx, []*models.NVMeDevice{dev}, peers, drop)
}

func (c *Connector) disconnect(ctx context.Context, devices []*models.NVMeDevice, peers []*models.StorageNode, drop bool) *Report {
	report := &Report{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel)
	for _, peer := range peers {
		var held []*models.NVMeDevice
		for _, dev := range devices {
			if dev.NodeID == peer.ID {
				continue
			}
			if ref := peer.RemoteDevice(dev.ID); ref != nil {
				held = append(held, ref)
			}
		}
		if len(held) == 0 {
			continue
		}

		g.Go(func() error {
			c.detachAll(gctx, peer, held, report)
			err := c.updatePeer(gctx, peer.ID, func(p *models.StorageNode) {
				for _, ref := range held {
					if drop {
						p.DropRemoteDevice(ref.ID)
						continue
					}
					if cur := p.RemoteDevice(ref.ID); cur != nil {
						cur.Status = models.DeviceUnavailable
						cur.UpdatedAt = c.clock.Now().UTC()
					}
				}
			})
			if err != nil {
				c.logger.Error("Failed to record disconnect on peer", "peer_id", peer.ID, "error", err)
				for _, ref := range held {
					report.fail(peer.ID, ref.ID, err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return report
}

// detachAll detaches held references on peer. A controller the backend no
// longer knows counts as detached.
func (c *Connector) detachAll(ctx context.Context, peer *models.StorageNode, held []*models.NVMeDevice, report *Report) {
	if peer.Status != models.NodeOnline && peer.Status != models.NodeSuspended {
		// no running backend to detach from
		return
	}
	client, err := c.dialer.Client(peer)
	if err != nil {
		for _, ref := range held {
			report.fail(peer.ID, ref.ID, err)
		}
		return
	}
	for _, ref := range held {
		err := client.DetachController(ctx, ref.RemoteControllerName())
		if err != nil && !rpc.IsNotFound(err) {
			c.logger.Warn("Failed to detach remote device",
				"peer_id", peer.ID,
				"device_id", ref.ID,
				"error", err)
			report.fail(peer.ID, ref.ID, err)
			continue
		}
		report.detached()
	}
}
