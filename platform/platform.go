// Package platform binds devices to the drivers that handle them. A driver's
// Probe runs when a matching device shows up and Remove when it goes away,
// whichever of the two was registered first.
package platform

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicate = errors.New("already registered")
	ErrNotFound  = errors.New("not registered")
)

// DeviceInfo describes a device as the board announces it.
type DeviceInfo struct {
	// Name selects the driver with the same name.
	Name string
	ID   int
	// DMAMask is the highest device address the device can reach.
	DMAMask uint64
}

// Device is a registered device.
type Device struct {
	info DeviceInfo

	mu         sync.Mutex
	driverData any
	bound      bool
	probeErr   error
}

func (d *Device) Info() DeviceInfo {
	return d.info
}

// Name returns the device name, e.g. mighty-ebic-dma.0.
func (d *Device) Name() string {
	return fmt.Sprintf("%s.%d", d.info.Name, d.info.ID)
}

// DriverData returns what the driver stored with SetDriverData.
func (d *Device) DriverData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.driverData
}

// SetDriverData lets a driver keep its per device state with the device.
func (d *Device) SetDriverData(v any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.driverData = v
}

// Bound reports whether a driver probed the device successfully.
func (d *Device) Bound() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bound
}

// ProbeErr returns the error of the last failed probe.
func (d *Device) ProbeErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeErr
}

// Driver handles every device with its name.
type Driver struct {
	Name string
	// Probe attaches the device. A device whose probe failed stays registered
	// but unbound.
	Probe func(*Device) error
	// Remove detaches a bound device.
	Remove func(*Device)
}

// Bus is a registry of drivers and devices.
type Bus struct {
	l *logrus.Logger

	// mu is held across Probe and Remove so binding and unbinding never race.
	mu      sync.Mutex
	drivers map[string]*Driver
	devices map[string]*Device
}

func NewBus(l *logrus.Logger) *Bus {
	return &Bus{
		l:       l,
		drivers: map[string]*Driver{},
		devices: map[string]*Device{},
	}
}

// RegisterDriver adds drv and probes every registered device it matches. Probe
// failures are logged, they do not fail the registration.
func (b *Bus) RegisterDriver(drv Driver) error {
	if drv.Name == "" || drv.Probe == nil {
		return errors.New("a driver needs a name and a probe function")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.drivers[drv.Name]; ok {
		return fmt.Errorf("driver %s: %w", drv.Name, ErrDuplicate)
	}
	b.drivers[drv.Name] = &drv
	b.l.WithField("driver", drv.Name).Debug("Driver registered")

	for _, d := range b.sortedDevices() {
		if d.info.Name == drv.Name {
			if err := b.probe(&drv, d); err != nil {
				b.l.WithField("device", d.Name()).WithError(err).Error("Probe failed")
			}
		}
	}
	return nil
}

// UnregisterDriver removes every device bound to the driver and then forgets
// the driver.
func (b *Bus) UnregisterDriver(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	drv, ok := b.drivers[name]
	if !ok {
		return fmt.Errorf("driver %s: %w", name, ErrNotFound)
	}
	for _, d := range b.sortedDevices() {
		if d.info.Name == name {
			b.remove(drv, d)
		}
	}
	delete(b.drivers, name)
	b.l.WithField("driver", name).Debug("Driver unregistered")
	return nil
}

// RegisterDevice adds a device and probes it when its driver is known. The
// probe error is returned, the device stays registered either way.
func (b *Bus) RegisterDevice(info DeviceInfo) (*Device, error) {
	d := &Device{info: info}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.devices[d.Name()]; ok {
		return nil, fmt.Errorf("device %s: %w", d.Name(), ErrDuplicate)
	}
	b.devices[d.Name()] = d
	b.l.WithField("device", d.Name()).Debug("Device registered")

	if drv, ok := b.drivers[info.Name]; ok {
		if err := b.probe(drv, d); err != nil {
			return d, err
		}
	}
	return d, nil
}

// UnregisterDevice removes the device from its driver and forgets it.
func (b *Bus) UnregisterDevice(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, ok := b.devices[name]
	if !ok {
		return fmt.Errorf("device %s: %w", name, ErrNotFound)
	}
	if drv, ok := b.drivers[d.info.Name]; ok {
		b.remove(drv, d)
	}
	delete(b.devices, name)
	b.l.WithField("device", name).Debug("Device unregistered")
	return nil
}

// Devices returns the registered devices ordered by name.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedDevices()
}

func (b *Bus) probe(drv *Driver, d *Device) error {
	err := drv.Probe(d)

	d.mu.Lock()
	d.bound = err == nil
	d.probeErr = err
	d.mu.Unlock()

	if err != nil {
		return fmt.Errorf("probe of %s by %s: %w", d.Name(), drv.Name, err)
	}
	b.l.WithField("device", d.Name()).WithField("driver", drv.Name).Info("Device bound")
	return nil
}

func (b *Bus) remove(drv *Driver, d *Device) {
	if !d.Bound() {
		return
	}
	if drv.Remove != nil {
		drv.Remove(d)
	}

	d.mu.Lock()
	d.bound = false
	d.driverData = nil
	d.mu.Unlock()
	b.l.WithField("device", d.Name()).WithField("driver", drv.Name).Info("Device unbound")
}

func (b *Bus) sortedDevices() []*Device {
	out := make([]*Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
