// Package onboarding builds each device's bdev chain on its node's backend
// and exposes the result over NVMe-oF.
//
// A device moves through discovered, testing_attached, alceml_created,
// pt_created, subsystem_exposed and online. Each step needs the bdev the
// previous one created, so steps run in order; different devices run in
// parallel. The stage reached is recorded on the device so a retry resumes
// where the last pass stopped.
package onboarding

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/meshstor/meshstor/internal/config"
	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/rpc"
	"github.com/meshstor/meshstor/internal/utils"
)

// ErrNoDataInterface is returned when a node has no interface a listener
// can be placed on
var ErrNoDataInterface = errors.New("no up data interface with an IPv4 address")

// Onboarder runs the per-device pipeline
type Onboarder struct {
	dialer      rpc.Dialer
	fabric      config.FabricConfig
	cfg         config.OnboardingConfig
	maxParallel int
	clock       clock.Clock
	logger      *logging.Logger
}

// Option customizes an Onboarder
type Option func(*Onboarder)

// WithClock replaces the clock used for timestamps
func WithClock(c clock.Clock) Option {
	return func(o *Onboarder) { o.clock = c }
}

// New creates an Onboarder
func New(dialer rpc.Dialer, fabric config.FabricConfig, cfg config.OnboardingConfig, maxParallel int, logger *logging.Logger, opts ...Option) *Onboarder {
	if maxParallel <= 0 {
		maxParallel = utils.DefaultMaxParallel
	}
	o := &Onboarder{
		dialer:      dialer,
		fabric:      fabric,
		cfg:         cfg,
		maxParallel: maxParallel,
		clock:       clock.New(),
		logger:      logger.Component("onboarding"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Report is the outcome of onboarding a batch of devices
type Report struct {
	Onboarded []string
	Failed    map[string]error
}

// Err joins the per-device failures, or returns nil
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for id, err := range r.Failed {
		errs = append(errs, fmt.Errorf("device %s: %w", id, err))
	}
	return errors.Join(errs...)
}

// Onboard runs the pipeline for every device of node not yet online. The
// device records are updated in place. A failed device does not stop the
// others; its error is in the report.
func (o *Onboarder) Onboard(ctx context.Context, node *models.StorageNode, devices []*models.NVMeDevice) (*Report, error) {
	client, err := o.dialer.Client(node)
	if err != nil {
		return nil, fmt.Errorf("failed to reach backend of node %s: %w", node.ID, err)
	}

	results := make([]error, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for i, dev := range devices {
		if dev.Status == models.DeviceOnline || dev.Status == models.DeviceRemoved {
			continue
		}
		g.Go(func() error {
			results[i] = o.OnboardDevice(gctx, client, node, dev)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Failed: make(map[string]error)}
	for i, dev := range devices {
		if dev.Status == models.DeviceRemoved {
			continue
		}
		if results[i] != nil {
			report.Failed[dev.ID] = results[i]
			continue
		}
		if dev.Status == models.DeviceOnline {
			report.Onboarded = append(report.Onboarded, dev.ID)
		}
	}
	return report, nil
}

// step records an object created during a pass so it can be rolled back
type step struct {
	subsystem bool
	name      string
}

// OnboardDevice builds the chain for one device, resuming from its stage
func (o *Onboarder) OnboardDevice(ctx context.Context, client rpc.Client, node *models.StorageNode, dev *models.NVMeDevice) error {
	log := o.logger.With("node_id", node.ID, "device_id", dev.ID)
	start := dev.Stage

	var created []step
	err := o.advance(ctx, client, node, dev, &created)
	if err != nil {
		log.Error("Device onboarding failed",
			"stage", dev.Stage.String(),
			"error", err)
		if o.cfg.RollbackOnFailure {
			o.rollback(ctx, client, dev, created)
		}
		return err
	}

	if err := dev.SetStatus(models.DeviceOnline, o.clock.Now().UTC()); err != nil {
		return err
	}
	log.Info("Device onboarded",
		"resumed_from", start.String(),
		"nqn", dev.NvmfNQN)
	return nil
}

func (o *Onboarder) advance(ctx context.Context, client rpc.Client, node *models.StorageNode, dev *models.NVMeDevice, created *[]step) error {
	for dev.Stage < models.StageOnline {
		var err error
		switch dev.Stage {
		case models.StageDiscovered:
			err = o.createTesting(ctx, client, dev, created)
		case models.StageTestingAttached:
			err = o.createAlceml(ctx, client, dev, created)
		case models.StageAlcemlCreated:
			err = o.createPT(ctx, client, dev, created)
		case models.StagePTCreated:
			err = o.expose(ctx, client, node, dev, created)
		case models.StageSubsystemExposed:
			err = o.addNamespace(ctx, client, dev)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", dev.Stage.String(), err)
		}
		dev.Stage++
		dev.UpdatedAt = o.clock.Now().UTC()
	}
	return nil
}

// ignoreExists treats an object left by an earlier pass as created
func ignoreExists(err error) error {
	if rpc.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (o *Onboarder) createTesting(ctx context.Context, client rpc.Client, dev *models.NVMeDevice, created *[]step) error {
	if dev.NvmeBdev == "" {
		return fmt.Errorf("device has no nvme bdev")
	}
	name := dev.NvmeBdev + "_test"
	if err := client.CreateTestingBdev(ctx, name, dev.NvmeBdev); err != nil {
		if ignoreExists(err) != nil {
			return err
		}
	} else {
		*created = append(*created, step{name: name})
	}
	dev.TestingBdev = name
	return nil
}

func (o *Onboarder) createAlceml(ctx context.Context, client rpc.Client, dev *models.NVMeDevice, created *[]step) error {
	name := "alceml_" + dev.ID
	opts := rpc.AlcemlOptions{UUID: dev.ID, PBAPageSize: o.cfg.PBAPageSize}
	if err := client.CreateAlceml(ctx, name, dev.TestingBdev, opts); err != nil {
		if ignoreExists(err) != nil {
			return err
		}
	} else {
		*created = append(*created, step{name: name})
	}
	dev.AlcemlBdev = name
	return nil
}

func (o *Onboarder) createPT(ctx context.Context, client rpc.Client, dev *models.NVMeDevice, created *[]step) error {
	name := dev.AlcemlBdev + "_PT"
	if err := client.CreatePTNoExcl(ctx, name, dev.AlcemlBdev); err != nil {
		if ignoreExists(err) != nil {
			return err
		}
	} else {
		*created = append(*created, step{name: name})
	}
	dev.PTBdev = name
	return nil
}

// SubsystemNQN is the NQN a device is exposed under
func SubsystemNQN(node *models.StorageNode, dev *models.NVMeDevice) string {
	return node.SubsystemNQN + ":dev:" + dev.ID
}

func (o *Onboarder) expose(ctx context.Context, client rpc.Client, node *models.StorageNode, dev *models.NVMeDevice, created *[]step) error {
	iface, ok := node.FirstDataIFace()
	if !ok {
		return ErrNoDataInterface
	}

	nqn := SubsystemNQN(node, dev)
	existing, err := client.ListSubsystems(ctx)
	if err != nil {
		return err
	}
	if !contains(existing, nqn) {
		if err := client.CreateSubsystem(ctx, nqn, dev.Serial, dev.Model); err != nil {
			if ignoreExists(err) != nil {
				return err
			}
		} else {
			*created = append(*created, step{subsystem: true, name: nqn})
		}
	}

	transport := iface.Transport
	if transport == "" {
		transport = o.fabric.Transport
	}
	if err := ignoreExists(client.CreateTransport(ctx, transport)); err != nil {
		return err
	}

	listener := rpc.Listener{Transport: transport, IP: iface.IP, Port: o.fabric.Port}
	if err := ignoreExists(client.CreateListener(ctx, nqn, listener)); err != nil {
		return err
	}

	dev.NvmfNQN = nqn
	dev.NvmfIP = listener.IP
	dev.NvmfPort = listener.Port
	dev.NvmfTransport = transport
	return nil
}

func (o *Onboarder) addNamespace(ctx context.Context, client rpc.Client, dev *models.NVMeDevice) error {
	return ignoreExists(client.AddNamespace(ctx, dev.NvmfNQN, dev.PTBdev))
}

// rollback deletes what this pass created, newest first, and restarts the
// device from discovered. Objects left by earlier passes are reused on retry.
func (o *Onboarder) rollback(ctx context.Context, client rpc.Client, dev *models.NVMeDevice, created []step) {
	for i := len(created) - 1; i >= 0; i-- {
		s := created[i]
		var err error
		if s.subsystem {
			err = client.DeleteSubsystem(ctx, s.name)
		} else {
			err = client.DeleteBdev(ctx, s.name)
		}
		if err != nil {
			o.logger.Warn("Rollback step failed", "device_id", dev.ID, "object", s.name, "error", err)
		}
	}
	if len(created) == 0 {
		return
	}
	dev.Stage = models.StageDiscovered
	dev.TestingBdev = ""
	dev.AlcemlBdev = ""
	dev.PTBdev = ""
	dev.NvmfNQN = ""
	dev.NvmfIP = ""
	dev.NvmfPort = 0
	dev.NvmfTransport = ""
	o.logger.Info("Rolled back partial device chain", "device_id", dev.ID, "objects", len(created))
}

// Dismantle deletes a device's exposure and bdev chain, outermost first.
// Every step is attempted; the first failure is returned.
func (o *Onboarder) Dismantle(ctx context.Context, node *models.StorageNode, dev *models.NVMeDevice) error {
	client, err := o.dialer.Client(node)
	if err != nil {
		return fmt.Errorf("failed to reach backend of node %s: %w", node.ID, err)
	}

	var first error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		o.logger.Warn("Failed to delete chain object", "device_id", dev.ID, "object", what, "error", err)
		if first == nil {
			first = err
		}
	}

	if dev.NvmfNQN != "" {
		record(dev.NvmfNQN, client.DeleteSubsystem(ctx, dev.NvmfNQN))
	}
	for _, name := range []string{dev.PTBdev, dev.AlcemlBdev, dev.TestingBdev} {
		if name != "" {
			record(name, client.DeleteBdev(ctx, name))
		}
	}
	return first
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
