// Package discovery enumerates the NVMe devices of a storage node that can
// join its cluster. Devices are attached to the node's backend, queried
// for block metadata and filtered against the cluster's hardware policy.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/meshstor/meshstor/internal/agent"
	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
)

// Source selects where candidate devices come from
type Source int

const (
	// SourcePCIe uses the agent's PCIe bus scan and attaches each device
	SourcePCIe Source = iota
	// SourceBackend uses controllers the backend already has attached
	SourceBackend
)

// Request describes one discovery pass
type Request struct {
	Node    *models.StorageNode
	Cluster *models.Cluster
	// Known holds PCIe addresses that must not be attached again
	Known map[string]struct{}
	// BaseSequence is the first batch-local sequential number to assign
	BaseSequence int
	Source       Source
}

// Skipped is a device left out of the result
type Skipped struct {
	PCIeAddress string `json:"pcie_address"`
	Model       string `json:"model,omitempty"`
	Reason      string `json:"reason"`
}

// Result is the outcome of a discovery pass
type Result struct {
	Devices []*models.NVMeDevice
	Skipped []Skipped
}

// Discoverer finds attachable devices on a node
type Discoverer struct {
	agent       agent.Client
	dialer      rpc.Dialer
	clock       clock.Clock
	settleDelay time.Duration
	vendors     Filter
	logger      *logging.Logger
}

// Option customizes a Discoverer
type Option func(*Discoverer)

// WithClock replaces the wall clock used for the settle delay
func WithClock(c clock.Clock) Option {
	return func(d *Discoverer) { d.clock = c }
}

// New creates a Discoverer
func New(agentClient agent.Client, dialer rpc.Dialer, cfg config.DiscoveryConfig, logger *logging.Logger, opts ...Option) *Discoverer {
	d := &Discoverer{
		agent:       agentClient,
		dialer:      dialer,
		clock:       clock.New(),
		settleDelay: cfg.SettleDelay,
		vendors:     VendorFilter(cfg.SkipVendorIDs),
		logger:      logger.Component("discovery"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ControllerName is the backend controller name for a PCIe address
func ControllerName(pcieAddress string) string {
	r := strings.NewReplacer(":", "_", ".", "_")
	return "nvme_" + r.Replace(pcieAddress)
}

// Discover runs one pass and returns unpersisted device records with status
// new. Devices rejected by policy are reported in Result.Skipped, never as
// an error.
func (d *Discoverer) Discover(ctx context.Context, req Request) (*Result, error) {
	client, err := d.dialer.Client(req.Node)
	if err != nil {
		return nil, fmt.Errorf("failed to reach backend of node %s: %w", req.Node.ID, err)
	}

	var (
		candidates []Candidate
		result     = &Result{}
	)
	switch req.Source {
	case SourceBackend:
		candidates, err = d.fromBackend(ctx, client, req)
	default:
		candidates, err = d.fromPCIe(ctx, client, req, result)
	}
	if err != nil {
		return nil, err
	}

	accept := Chain(CapacityFilter(), ModelFilter(req.Cluster))
	seq := req.BaseSequence
	now := d.clock.Now().UTC()
	for _, c := range candidates {
		if reason := accept(c); reason != "" {
			d.logger.Warn("Skipping device",
				"node_id", req.Node.ID,
				"pcie", c.PCIeAddress,
				"model", c.Bdev.Model,
				"reason", reason)
			result.Skipped = append(result.Skipped, Skipped{PCIeAddress: c.PCIeAddress, Model: c.Bdev.Model, Reason: reason})
			continue
		}

		size := c.Bdev.Size()
		result.Devices = append(result.Devices, &models.NVMeDevice{
			ID:                 uuid.New().String(),
			NodeID:             req.Node.ID,
			ClusterID:          req.Cluster.ID,
			PCIeAddress:        c.PCIeAddress,
			VendorID:           c.VendorID,
			Model:              c.Bdev.Model,
			Serial:             c.Bdev.Serial,
			Size:               size,
			BlockSize:          c.Bdev.BlockSize,
			PartitionsCount:    req.Cluster.PartitionsFor(size),
			ClusterDeviceOrder: models.UnassignedOrder,
			SequentialNumber:   seq,
			Status:             models.DeviceNew,
			Stage:              models.StageDiscovered,
			NvmeBdev:           c.Bdev.Name,
			UpdatedAt:          now,
		})
		seq++
	}

	d.logger.Info("Discovery finished",
		"node_id", req.Node.ID,
		"found", len(result.Devices),
		"skipped", len(result.Skipped))
	return result, nil
}

// fromPCIe attaches every unknown device from the agent's bus scan
func (d *Discoverer) fromPCIe(ctx context.Context, client rpc.Client, req Request, result *Result) ([]Candidate, error) {
	scanned, err := d.agent.ScanDevices(ctx, req.Node.AgentAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices on node %s: %w", req.Node.ID, err)
	}
	sort.Slice(scanned, func(i, j int) bool { return scanned[i].Address < scanned[j].Address })

	type attached struct {
		cand Candidate
		bdev string
	}
	var pending []attached
	for _, dev := range scanned {
		if _, ok := req.Known[dev.Address]; ok {
			continue
		}
		cand := Candidate{PCIeAddress: dev.Address, VendorID: dev.VendorID}
		if reason := d.vendors(cand); reason != "" {
			d.logger.Debug("Skipping device", "node_id", req.Node.ID, "pcie", dev.Address, "reason", reason)
			result.Skipped = append(result.Skipped, Skipped{PCIeAddress: dev.Address, Reason: reason})
			continue
		}

		name := ControllerName(dev.Address)
		bdev := name + "n1"
		names, err := client.AttachController(ctx, name, dev.Address)
		switch {
		case err == nil:
			if len(names) > 0 {
				bdev = names[0]
			}
		case rpc.IsAlreadyExists(err):
			d.logger.Debug("Controller already attached", "node_id", req.Node.ID, "controller", name)
		default:
			d.logger.Warn("Failed to attach controller",
				"node_id", req.Node.ID,
				"pcie", dev.Address,
				"error", err)
			result.Skipped = append(result.Skipped, Skipped{PCIeAddress: dev.Address, Reason: err.Error()})
			continue
		}
		pending = append(pending, attached{cand: cand, bdev: bdev})
	}

	if len(pending) > 0 && d.settleDelay > 0 {
		// the backend finishes controller init asynchronously
		d.clock.Sleep(d.settleDelay)
	}

	candidates := make([]Candidate, 0, len(pending))
	for _, p := range pending {
		bdevs, err := client.GetBdevs(ctx, p.bdev)
		if err != nil || len(bdevs) == 0 {
			d.logger.Warn("Failed to query attached device",
				"node_id", req.Node.ID,
				"bdev", p.bdev,
				"error", err)
			reason := "no block device after attach"
			if err != nil {
				reason = err.Error()
			}
			result.Skipped = append(result.Skipped, Skipped{PCIeAddress: p.cand.PCIeAddress, Reason: reason})
			continue
		}
		p.cand.Bdev = bdevs[0]
		candidates = append(candidates, p.cand)
	}
	return candidates, nil
}

// fromBackend lists NVMe bdevs the backend already has
func (d *Discoverer) fromBackend(ctx context.Context, client rpc.Client, req Request) ([]Candidate, error) {
	bdevs, err := client.GetBdevs(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list bdevs on node %s: %w", req.Node.ID, err)
	}

	var candidates []Candidate
	for _, b := range bdevs {
		if b.Driver != "nvme" || b.PCIeAddress == "" {
			continue
		}
		if _, ok := req.Known[b.PCIeAddress]; ok {
			continue
		}
		candidates = append(candidates, Candidate{PCIeAddress: b.PCIeAddress, Bdev: b})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PCIeAddress < candidates[j].PCIeAddress })
	return candidates, nil
}
