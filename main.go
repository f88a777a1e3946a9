package edma

import (
	"context"
	"fmt"
	"time"

	"github.com/ntd-94/am335x-edma/config"
	"github.com/ntd-94/am335x-edma/hw"
	"github.com/ntd-94/am335x-edma/hw/hwsim"
	"github.com/ntd-94/am335x-edma/platform"
	"github.com/ntd-94/am335x-edma/pool"
	"github.com/ntd-94/am335x-edma/util"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/errgroup"
)

// Main builds a [Control] from config. When ctrl is nil a simulated
// controller is created and driven from the control's goroutines.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, ctrl hw.Controller) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		if !c.HasChanged("logging") {
			return
		}
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	info := platform.DeviceInfo{
		Name:    c.GetString("device.name", "mighty-ebic-dma"),
		ID:      c.GetInt("device.id", 0),
		DMAMask: pool.DMABitMask(c.GetInt("device.dma_mask_bits", 32)),
	}

	// Every pool of this control hands out device addresses from the same
	// window, so regions mapped into one controller never overlap.
	backing := backingFromConfig(c)

	// Validate the device config up front, a bad one would only surface once
	// the device is bound.
	if _, err := deviceConfigFromConfig(c, platform.DeviceInfo{}, backing); err != nil {
		return nil, util.NewContextualError("Failed to load device config", nil, err)
	}

	var simStart func(context.Context) error
	if ctrl == nil {
		sim, err := hwsim.New(l, hwsim.WithLayout(c.GetInt("sim.channels", 64), c.GetInt("sim.slots", 256)))
		if err != nil {
			return nil, util.NewContextualError("Failed to create simulated controller", nil, err)
		}
		interval := c.GetDuration("sim.interval", 10*time.Millisecond)
		if interval <= 0 {
			return nil, fmt.Errorf("sim.interval was an invalid duration: %s", c.GetString("sim.interval", ""))
		}
		l.WithField("interval", interval).Info("No DMA controller given, using the simulator")
		ctrl = sim
		simStart = func(ctx context.Context) error {
			return sim.Run(ctx, interval)
		}
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		cancel()
		return nil, nil
	}

	c.CatchHUP(ctx)

	g, gctx := errgroup.WithContext(ctx)
	control := &Control{
		l:          l,
		bus:        platform.NewBus(l),
		device:     info,
		ctx:        gctx,
		cancel:     cancel,
		g:          g,
		statsStart: statsStart,
		simStart:   simStart,
	}
	control.driver = platform.Driver{
		Name: info.Name,
		Probe: control.bind(func(pd *platform.Device) (*DeviceContext, error) {
			cfg, err := deviceConfigFromConfig(c, pd.Info(), backing)
			if err != nil {
				return nil, err
			}
			return NewDeviceContext(l, ctrl, cfg)
		}),
		Remove: control.remove,
	}

	return control, nil
}

// backingFromConfig returns the coherent memory backing described by the pool
// section of the config.
func backingFromConfig(c *config.C) *pool.MmapBacking {
	return pool.NewMmapBacking(uint64(c.GetAddress("pool.iova_base", pool.DefaultIOVABase)), c.GetBool("pool.mlock", false))
}

// deviceConfigFromConfig reads the device section of the config on top of
// [DefaultDeviceConfig]. The device info names the device and limits its DMA
// mask, the pool is carved from backing.
func deviceConfigFromConfig(c *config.C, info platform.DeviceInfo, backing pool.Backing) (DeviceConfig, error) {
	cfg := DefaultDeviceConfig()
	cfg.Backing = backing
	if info.Name != "" {
		cfg.Name = fmt.Sprintf("%s.%d", info.Name, info.ID)
		cfg.Identity = info
	}
	if info.DMAMask != 0 {
		cfg.DMAMask = info.DMAMask
	}

	cfg.PoolTag = c.GetString("pool.tag", cfg.PoolTag)
	cfg.BlockSize = c.GetInt("pool.block_size", cfg.BlockSize)
	cfg.Alignment = c.GetInt("pool.alignment", cfg.Alignment)
	cfg.PoolCapacity = c.GetInt("pool.capacity", cfg.PoolCapacity)

	cfg.Channel = hw.Channel(c.GetInt("edma.channel", int(cfg.Channel)))
	cfg.Queue = hw.EventQueue(c.GetInt("edma.event_queue", int(cfg.Queue)))
	if cfg.Queue < hw.EventQueueDefault || cfg.Queue > hw.EventQueue3 {
		return cfg, fmt.Errorf("edma.event_queue %d is not within -1..3", cfg.Queue)
	}
	cfg.SlotCeiling = c.GetInt("edma.slot_ceiling", cfg.SlotCeiling)
	if cfg.SlotCeiling < SlotsPerChannel || cfg.SlotCeiling > MaxSlots {
		return cfg, fmt.Errorf("edma.slot_ceiling %d is not within %d..%d", cfg.SlotCeiling, SlotsPerChannel, MaxSlots)
	}
	cfg.QueueSize = c.GetInt("edma.notify.queue_size", cfg.QueueSize)

	dir, err := ParseDirection(c.GetString("edma.transfer.direction", cfg.Shape.Direction.String()))
	if err != nil {
		return cfg, err
	}
	cfg.Shape = TransferShape{
		ElementSize: c.GetInt("edma.transfer.element_size", cfg.Shape.ElementSize),
		Count:       c.GetInt("edma.transfer.count", cfg.Shape.Count),
		Stride:      c.GetInt("edma.transfer.stride", cfg.Shape.Stride),
		Direction:   dir,
		Peripheral:  c.GetAddress("edma.transfer.peripheral", cfg.Shape.Peripheral),
	}

	if cfg.PoolCapacity < 2 {
		return cfg, fmt.Errorf("pool.capacity %d can not hold a ping and a pong block", cfg.PoolCapacity)
	}
	if err := cfg.Shape.Validate(cfg.BlockSize); err != nil {
		return cfg, fmt.Errorf("edma.transfer: %w", err)
	}
	return cfg, nil
}
