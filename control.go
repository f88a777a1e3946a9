package edma

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ntd-94/am335x-edma/platform"
	"github.com/ntd-94/am335x-edma/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Control owns a running daemon: the platform bus the device is bound on and
// every goroutine serving it.
type Control struct {
	l      *logrus.Logger
	bus    *platform.Bus
	driver platform.Driver
	device platform.DeviceInfo

	ctx    context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	statsStart func()
	simStart   func(context.Context) error

	// stranded holds devices whose failed attach could not stop the engine.
	// They hold on to their resources until Stop detaches them again.
	mu       sync.Mutex
	stranded []*DeviceContext
}

// binding is the driver data of a bound device.
type binding struct {
	dc     *DeviceContext
	cancel context.CancelFunc
}

// Start registers the driver and the device, which attaches the device and
// starts serving its completions. This is a nonblocking call. To block use
// Control.ShutdownBlock()
func (c *Control) Start() error {
	if c.simStart != nil {
		c.g.Go(func() error { return c.simStart(c.ctx) })
	}
	if c.statsStart != nil {
		go c.statsStart()
	}

	if err := c.bus.RegisterDriver(c.driver); err != nil {
		return util.NewContextualError("Failed to register driver", map[string]any{"driver": c.driver.Name}, err)
	}
	d, err := c.bus.RegisterDevice(c.device)
	if err != nil {
		var ce *util.ContextualError
		if errors.As(err, &ce) && d != nil {
			return ce.WithField("platformDevice", d.Name())
		}
		return util.ContextualizeIfNeeded("Failed to bind device", err)
	}
	return nil
}

// bind returns the function the driver binds a device with: the device is
// built, attached and served until it is removed.
func (c *Control) bind(newDevice func(*platform.Device) (*DeviceContext, error)) func(*platform.Device) error {
	return func(pd *platform.Device) error {
		dc, err := newDevice(pd)
		if err != nil {
			return err
		}
		if err := dc.Attach(); err != nil {
			if dc.State() == Failed {
				c.mu.Lock()
				c.stranded = append(c.stranded, dc)
				c.mu.Unlock()
			}
			return err
		}

		ctx, cancel := context.WithCancel(c.ctx)
		c.g.Go(func() error {
			dc.Serve(ctx)
			return nil
		})
		pd.SetDriverData(&binding{dc: dc, cancel: cancel})
		return nil
	}
}

func (c *Control) remove(pd *platform.Device) {
	b, ok := pd.DriverData().(*binding)
	if !ok {
		return
	}
	b.dc.Detach()
	b.cancel()
}

// Device returns the attached device, nil when binding failed or the daemon
// was stopped.
func (c *Control) Device() *DeviceContext {
	for _, pd := range c.bus.Devices() {
		if b, ok := pd.DriverData().(*binding); ok {
			return b.dc
		}
	}
	return nil
}

// Stop detaches the device and returns once every goroutine is done.
func (c *Control) Stop() {
	if err := c.bus.UnregisterDriver(c.driver.Name); err != nil {
		c.l.WithError(err).Debug("Driver was not registered")
	}

	c.mu.Lock()
	stranded := c.stranded
	c.stranded = nil
	c.mu.Unlock()
	for _, dc := range stranded {
		dc.Detach()
		if dc.State() != Idle {
			c.l.WithField("device", dc.Name()).Error("Device still holds resources")
		}
	}

	c.cancel()
	if err := c.g.Wait(); err != nil {
		c.l.WithError(err).Error("Background task failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}
