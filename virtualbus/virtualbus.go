// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
)

const basepath = "/sys/devices/platform/nuc970-usbd/usb"

var (
	allocatedBusIds = make(map[uint32]bool)
	globalMutex     sync.Mutex
)

type metaKey struct{}

// MetaFromContext extracts the export metadata from a device context.
// Returns nil if the context doesn't carry one.
func MetaFromContext(ctx context.Context) *usbip.ExportMeta {
	if meta, ok := ctx.Value(metaKey{}).(*usbip.ExportMeta); ok {
		return meta
	}
	return nil
}

// VirtualBus manages USB bus topology and auto-assigns device addresses.
type VirtualBus struct {
	mutex           sync.Mutex
	busId           uint32
	allocatedDevIDs map[uint32]bool
	devices         []busDevice
}

// DeviceMeta exposes a registered device and its metadata for external queries.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bus with the lowest free bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	busId := uint32(1)
	for allocatedBusIds[busId] {
		busId++
	}
	allocatedBusIds[busId] = true
	return &VirtualBus{busId: busId, allocatedDevIDs: make(map[uint32]bool)}
}

// NewWithBusId creates a bus with a specific number.
// Returns an error if the bus number is already allocated.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if busId == 0 {
		return nil, fmt.Errorf("bus number must be positive")
	}
	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true
	return &VirtualBus{busId: busId, allocatedDevIDs: make(map[uint32]bool)}, nil
}

// Add registers a device at the lowest free device number and returns its
// lifecycle context. The context is cancelled when the device is removed or
// the bus is closed; use MetaFromContext to read its busid.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()

	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, fmt.Errorf("device already registered on bus %d", vb.busId)
		}
	}
	devID := uint32(1)
	for vb.allocatedDevIDs[devID] {
		devID++
	}
	vb.allocatedDevIDs[devID] = true

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, metaKey{}, &meta)
	vb.devices = append(vb.devices, busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, nil
}

// BusID returns the bus number for this VirtualBus.
func (vb *VirtualBus) BusID() uint32 {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	return vb.busId
}

// GetAllDeviceMetas returns a copy of all registered devices with their export metadata.
func (vb *VirtualBus) GetAllDeviceMetas() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// Devices returns all devices currently attached to this bus.
func (vb *VirtualBus) Devices() []usb.Device {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]usb.Device, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, d.dev)
	}
	return out
}

// GetDeviceContext returns the lifecycle context of dev, or nil.
func (vb *VirtualBus) GetDeviceContext(dev usb.Device) context.Context {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.dev == dev {
			return d.ctx
		}
	}
	return nil
}

// RemoveDeviceByID removes a device by its device number (e.g. "1").
func (vb *VirtualBus) RemoveDeviceByID(deviceID string) error {
	id, err := strconv.ParseUint(deviceID, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid device id %q: %w", deviceID, err)
	}
	return vb.remove(func(d busDevice) bool { return d.meta.DevId == uint32(id) },
		fmt.Errorf("device with id %s not found on bus %d", deviceID, vb.busId))
}

// Remove unregisters a device and cancels its context, which ends any
// attached session.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	return vb.remove(func(d busDevice) bool { return d.dev == dev }, fmt.Errorf("device not found"))
}

func (vb *VirtualBus) remove(match func(busDevice) bool, notFound error) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if match(d) {
			d.cancel()
			delete(vb.allocatedDevIDs, d.meta.DevId)
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return notFound
}

// Close cancels every device context and frees the bus number. The bus
// must not be used afterwards.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	return nil
}
