// Package events defines the bridge's event-bus subjects and payload
// helpers. The bus is a notification fabric for observers (debug gateway,
// external processes via NATS); ordered chat content never flows through
// it.
package events

// Tunnel lifecycle.
const (
	TunnelURLChanged = "bridge.tunnel.url"
)

// Window lifecycle.
const (
	WindowCreated = "bridge.window.created"
	WindowClosed  = "bridge.window.closed"
)

// Status poller observations.
const (
	FreezeDetected = "bridge.freeze.detected"
)

// Scheduler activity.
const (
	CronFired          = "bridge.cron.fired"
	SystemTaskFinished = "bridge.system_task.finished"
)

// Delivery pipeline activity.
const (
	DeliverySent = "bridge.delivery.sent"
)

// Share server activity.
const (
	UploadReceived = "bridge.upload.received"
)

// AllSubjects is the wildcard matching every bridge event.
const AllSubjects = "bridge.>"

// WindowData builds the payload for window lifecycle events.
func WindowData(windowID, displayName string) map[string]any {
	return map[string]any{
		"window_id":    windowID,
		"display_name": displayName,
	}
}

// DeliveryData builds the payload for delivery events.
func DeliveryData(destination string, messageID int, kind string) map[string]any {
	return map[string]any{
		"destination": destination,
		"message_id":  messageID,
		"kind":        kind,
	}
}

// CronData builds the payload for cron dispatch events.
func CronData(workspace, jobID, status string) map[string]any {
	return map[string]any{
		"workspace": workspace,
		"job_id":    jobID,
		"status":    status,
	}
}
