package job

import (
	"context"
	"fmt"
)

// Surface is the external worker pool the controller drives, typically a
// browser agent that owns tabs.
type Surface interface {
	CreateWorker(ctx context.Context, url string) (string, error)
	Navigate(ctx context.Context, workerID, url string) error
	Send(ctx context.Context, workerID, action string, payload any) error
	Exists(ctx context.Context, workerID string) bool
	Destroy(ctx context.Context, workerID string) error
}

type Dispatcher struct {
	surface Surface
}

func NewDispatcher(surface Surface) *Dispatcher {
	return &Dispatcher{surface: surface}
}

// Acquire points a worker at url. An existing worker is navigated (which
// also refreshes an unresponsive page); otherwise a new one is created.
func (d *Dispatcher) Acquire(ctx context.Context, workerID, url string) (id string, reused bool, err error) {
	if workerID != "" && d.surface.Exists(ctx, workerID) {
		if err := d.surface.Navigate(ctx, workerID, url); err != nil {
			return "", true, fmt.Errorf("navigate %s: %w", workerID, err)
		}
		return workerID, true, nil
	}

	id, err = d.surface.CreateWorker(ctx, url)
	if err != nil {
		return "", false, fmt.Errorf("create worker: %w", err)
	}
	return id, false, nil
}

func (d *Dispatcher) Deliver(ctx context.Context, workerID string, p ActionPayload) error {
	if err := d.surface.Send(ctx, workerID, ActionSendConnection, p); err != nil {
		return fmt.Errorf("send to %s: %w", workerID, err)
	}
	return nil
}

func (d *Dispatcher) Probe(ctx context.Context, workerID string) error {
	return d.surface.Send(ctx, workerID, ActionHeartbeat, nil)
}

func (d *Dispatcher) Release(ctx context.Context, workerID string) error {
	return d.surface.Destroy(ctx, workerID)
}
