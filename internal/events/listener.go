package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meshstor/meshstor/internal/logging"
	"github.com/meshstor/meshstor/internal/models"
	"github.com/meshstor/meshstor/internal/queue"
)

// DeviceReport is a device health report sent by a node agent
type DeviceReport struct {
	NodeID   string `json:"node_id"`
	DeviceID string `json:"device_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// StatusSetter applies a reported device status
type StatusSetter func(ctx context.Context, deviceID string, status models.DeviceStatus) error

// reportable lists the statuses an agent may report
var reportable = map[models.DeviceStatus]bool{
	models.DeviceOnline:      true,
	models.DeviceUnavailable: true,
	models.DeviceFailed:      true,
}

// ReportListener consumes device reports and applies them
type ReportListener struct {
	subscriber queue.Subscriber
	subject    string
	set        StatusSetter
	timeout    time.Duration
	logger     *logging.Logger
}

// NewReportListener creates a listener on the report subject under prefix.
// timeout bounds each applied report.
func NewReportListener(subscriber queue.Subscriber, prefix string, set StatusSetter, timeout time.Duration, logger *logging.Logger) *ReportListener {
	return &ReportListener{
		subscriber: subscriber,
		subject:    SubjectsFor(prefix).DeviceReport,
		set:        set,
		timeout:    timeout,
		logger:     logger.Component("report-listener"),
	}
}

// Start subscribes to the report subject
func (l *ReportListener) Start() error {
	if err := l.subscriber.Subscribe(l.subject, l.handle); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", l.subject, err)
	}
	l.logger.Info("Listening for device reports", "subject", l.subject)
	return nil
}

// Stop unsubscribes
func (l *ReportListener) Stop() error {
	return l.subscriber.Unsubscribe(l.subject)
}

// handle applies one report. Malformed reports are dropped; a failed
// update is returned so the queue may redeliver it.
func (l *ReportListener) handle(msg queue.Message) error {
	var report DeviceReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		l.logger.Warn("Dropping malformed device report", "error", err)
		return nil
	}
	status, err := models.ParseDeviceStatus(report.Status)
	if err != nil || !reportable[status] || report.DeviceID == "" {
		l.logger.Warn("Dropping invalid device report",
			"device_id", report.DeviceID,
			"status", report.Status)
		return nil
	}

	ctx := context.Background()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.set(ctx, report.DeviceID, status); err != nil {
		l.logger.Warn("Failed to apply device report",
			"node_id", report.NodeID,
			"device_id", report.DeviceID,
			"status", status,
			"error", err)
		return err
	}
	l.logger.Info("Device report applied",
		"node_id", report.NodeID,
		"device_id", report.DeviceID,
		"status", status,
		"reason", report.Reason)
	return nil
}
