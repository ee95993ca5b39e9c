// Package events announces node and device status changes. Events are
// hints for consumers; the cluster map pushed to backends stays the
// authoritative view.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/metadata"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/queue"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/utils"
)

// Kind identifies an event
type Kind string

const (
	KindNodeStatus   Kind = "node-status-changed"
	KindDeviceStatus Kind = "device-status-changed"
)

// Event is the published payload
type Event struct {
	Kind        Kind      `json:"kind"`
	ClusterID   string    `json:"cluster_id"`
	NodeID      string    `json:"node_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	DeviceOrder int64     `json:"cluster_device_order"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

func (e Event) statusEvent() rpc.StatusEvent {
	return rpc.StatusEvent{
		Kind:        string(e.Kind),
		ClusterID:   e.ClusterID,
		NodeID:      e.NodeID,
		DeviceOrder: e.DeviceOrder,
		Status:      e.Status,
		Timestamp:   e.Timestamp,
	}
}

// Emitter announces status changes. Callers treat a returned error as a
// warning.
type Emitter interface {
	NodeStatusChanged(ctx context.Context, node *models.StorageNode) error
	DeviceStatusChanged(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) error
}

// Subjects are the queue subjects under a prefix
type Subjects struct {
	NodeStatus   string
	DeviceStatus string
	DeviceReport string
}

// SubjectsFor returns the subjects under prefix
func SubjectsFor(prefix string) Subjects {
	if prefix == "" {
		prefix = utils.DefaultEventSubjectPrefix
	}
	return Subjects{
		NodeStatus:   prefix + ".node.status",
		DeviceStatus: prefix + ".device.status",
		DeviceReport: prefix + ".device.report",
	}
}

// Option configures a Notifier
type Option func(*Notifier)

// WithClock sets the clock used for event timestamps
func WithClock(c clock.Clock) Option {
	return func(n *Notifier) { n.clock = c }
}

// Notifier publishes events to the queue and, when broadcast is enabled,
// pushes them to the backends of the cluster's online nodes
type Notifier struct {
	publisher   queue.Publisher
	dialer      rpc.Dialer
	store       metadata.Manager
	subjects    Subjects
	broadcast   bool
	maxParallel int
	clock       clock.Clock
	logger      *logging.Logger
}

// NewNotifier creates a notifier. dialer and store are only used for
// broadcast and may be nil when it is disabled.
func NewNotifier(publisher queue.Publisher, dialer rpc.Dialer, store metadata.Manager, cfg config.EventsConfig, maxParallel int, logger *logging.Logger, opts ...Option) *Notifier {
	if maxParallel <= 0 {
		maxParallel = utils.DefaultMaxParallel
	}
	n := &Notifier{
		publisher:   publisher,
		dialer:      dialer,
		store:       store,
		subjects:    SubjectsFor(cfg.SubjectPrefix),
		broadcast:   cfg.Broadcast && dialer != nil && store != nil,
		maxParallel: maxParallel,
		clock:       clock.New(),
		logger:      logger.Component("events"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NodeStatusChanged publishes the node's current status
func (n *Notifier) NodeStatusChanged(ctx context.Context, node *models.StorageNode) error {
	return n.emit(ctx, n.subjects.NodeStatus, Event{
		Kind:        KindNodeStatus,
		ClusterID:   node.ClusterID,
		NodeID:      node.ID,
		DeviceOrder: models.UnassignedOrder,
		Status:      string(node.Status),
		Timestamp:   n.clock.Now().UTC(),
	}, node.ID)
}

// DeviceStatusChanged publishes the device's current status
func (n *Notifier) DeviceStatusChanged(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) error {
	return n.emit(ctx, n.subjects.DeviceStatus, Event{
		Kind:        KindDeviceStatus,
		ClusterID:   node.ClusterID,
		NodeID:      node.ID,
		DeviceID:    dev.ID,
		DeviceOrder: dev.ClusterDeviceOrder,
		Status:      string(dev.Status),
		Timestamp:   n.clock.Now().UTC(),
	}, node.ID)
}

func (n *Notifier) emit(ctx context.Context, subject string, ev Event, sourceID string) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind, err)
	}
	if err := n.publisher.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish %s event for node %s: %w", ev.Kind, ev.NodeID, err)
	}

	n.logger.Debug("Event published",
		"kind", ev.Kind,
		"node_id", ev.NodeID,
		"device_order", ev.DeviceOrder,
		"status", ev.Status)

	if n.broadcast {
		n.pushToBackends(ctx, ev, sourceID)
	}
	return nil
}

// pushToBackends sends the event to every other online node of the
// cluster. Failures are logged and dropped.
func (n *Notifier) pushToBackends(ctx context.Context, ev Event, sourceID string) {
	nodes, err := n.store.ListNodes(ctx, ev.ClusterID)
	if err != nil {
		n.logger.Warn("Failed to list nodes for event broadcast", "cluster_id", ev.ClusterID, "error", err)
		return
	}

	batch := []rpc.StatusEvent{ev.statusEvent()}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.maxParallel)
	for _, target := range nodes {
		if target.ID == sourceID || target.Status != models.NodeOnline {
			continue
		}
		g.Go(func() error {
			client, err := n.dialer.Client(target)
			if err == nil {
				err = client.UpdateStatusEvents(gctx, batch)
			}
			if err != nil {
				n.logger.Warn("Failed to push status event",
					"target_id", target.ID,
					"kind", ev.Kind,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
