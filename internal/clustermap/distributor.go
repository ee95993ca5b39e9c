package clustermap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/utils"
)

// Report lists the targets a distribution reached and the ones it did not
type Report struct {
	mu     sync.Mutex
	Pushed []string
	Failed map[string]error
}

func newReport() *Report {
	return &Report{Failed: make(map[string]error)}
}

func (r *Report) record(nodeID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.Failed[nodeID] = err
		return
	}
	r.Pushed = append(r.Pushed, nodeID)
}

// Distributor pushes maps to backends. Pushes are per target and not
// transactional: a target that misses a push catches up on the next one.
type Distributor struct {
	dialer      rpc.Dialer
	store       metadata.Manager
	builder     *Builder
	snapshots   bool
	maxParallel int
	group       singleflight.Group
	logger      *logging.Logger
}

// NewDistributor creates a distributor
func NewDistributor(dialer rpc.Dialer, store metadata.Manager, builder *Builder, cfg config.ClusterMapConfig, maxParallel int, logger *logging.Logger) *Distributor {
	if maxParallel <= 0 {
		maxParallel = utils.DefaultMaxParallel
	}
	return &Distributor{
		dialer:      dialer,
		store:       store,
		builder:     builder,
		snapshots:   cfg.Snapshots,
		maxParallel: maxParallel,
		logger:      logger.Component("clustermap"),
	}
}

// DistributeJoin pushes the full map to a joining node and an incremental
// map with its devices to every other online node. The error of the push to
// the joining node is returned; failures elsewhere are only reported.
func (d *Distributor) DistributeJoin(ctx context.Context, cluster *models.Cluster, joined *models.StorageNode, nodes []*models.StorageNode) (*Report, error) {
	all := make([]*models.StorageNode, 0, len(nodes)+1)
	for _, n := range nodes {
		if n.ID != joined.ID {
			all = append(all, n)
		}
	}
	all = append(all, joined)

	report := newReport()
	full := d.builder.Build(cluster, all, joined.ID)
	if err := d.push(ctx, joined, full, false); err != nil {
		report.record(joined.ID, err)
		return report, fmt.Errorf("failed to push cluster map to node %s: %w", joined.ID, err)
	}
	report.record(joined.ID, nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, n := range all {
		if n.ID == joined.ID || n.Status != models.NodeOnline || n.ClusterID != cluster.ID {
			continue
		}
		g.Go(func() error {
			inc := d.builder.BuildIncremental(cluster, joined, n.ID)
			err := d.push(gctx, n, inc, true)
			if err != nil {
				d.logger.Warn("Failed to push incremental map",
					"target_id", n.ID,
					"joined_id", joined.ID,
					"error", err)
			}
			report.record(n.ID, err)
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Refresh pushes a freshly built full map to every online node of a
// cluster. Concurrent refreshes of one cluster share a single run.
func (d *Distributor) Refresh(ctx context.Context, clusterID string) (*Report, error) {
	v, err, shared := d.group.Do(clusterID, func() (interface{}, error) {
		return d.refresh(ctx, clusterID)
	})
	if shared {
		d.logger.Debug("Coalesced map refresh", "cluster_id", clusterID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (d *Distributor) refresh(ctx context.Context, clusterID string) (*Report, error) {
	cluster, err := d.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	nodes, err := d.store.ListNodes(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	report := newReport()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, n := range nodes {
		if n.Status != models.NodeOnline {
			continue
		}
		g.Go(func() error {
			err := d.push(gctx, n, d.builder.Build(cluster, nodes, n.ID), false)
			if err != nil {
				d.logger.Warn("Failed to push cluster map", "target_id", n.ID, "error", err)
			}
			report.record(n.ID, err)
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("Cluster maps refreshed",
		"cluster_id", clusterID,
		"pushed", len(report.Pushed),
		"failed", len(report.Failed))
	return report, nil
}

func (d *Distributor) push(ctx context.Context, target *models.StorageNode, m *models.ClusterMap, incremental bool) error {
	client, err := d.dialer.Client(target)
	if err != nil {
		return err
	}
	if incremental {
		err = client.AddNodes(ctx, m)
	} else {
		err = client.SendClusterMap(ctx, m)
	}
	if err != nil {
		return err
	}

	if d.snapshots && !incremental {
		if err := d.saveSnapshot(ctx, m); err != nil {
			d.logger.Warn("Failed to save map snapshot", "target_id", target.ID, "error", err)
		}
	}
	return nil
}

func (d *Distributor) saveSnapshot(ctx context.Context, m *models.ClusterMap) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return d.store.PutMapSnapshot(ctx, m.ClusterID, m.TargetNodeID, snappy.Encode(nil, raw))
}

// Snapshot returns the last full map pushed to a node
func (d *Distributor) Snapshot(ctx context.Context, clusterID, nodeID string) (*models.ClusterMap, error) {
	data, err := d.store.GetMapSnapshot(ctx, clusterID, nodeID)
	if err != nil {
		return nil, err
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("corrupt map snapshot for node %s: %w", nodeID, err)
	}
	var m models.ClusterMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt map snapshot for node %s: %w", nodeID, err)
	}
	return &m, nil
}

// Err joins the failures of a report, or returns nil
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := make([]error, 0, len(r.Failed))
	for id, err := range r.Failed {
		errs = append(errs, fmt.Errorf("node %s: %w", id, err))
	}
	return errors.Join(errs...)
}
