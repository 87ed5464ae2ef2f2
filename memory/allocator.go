package memory

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/arsenal/memutils"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
	khr_buffer_device_address_shim "github.com/vkngwrapper/extensions/v2/khr_buffer_device_address/shim"
)

// CreateOptions contains optional parameters for New
type CreateOptions struct {
	// TransferQueueFamilyIndex is the queue family of the queue passed to New. The
	// allocator's one-shot transfer command pool is created against this family.
	TransferQueueFamilyIndex int

	// AllocationCallbacks is an optional set of CPU-side allocation callbacks passed through
	// to every Vulkan object this allocator creates or destroys
	AllocationCallbacks *driver.AllocationCallbacks

	// Vam is forwarded verbatim to the underlying vam.Allocator
	Vam vam.CreateOptions
}

type allocationKind int

const (
	allocationKindBuffer allocationKind = iota
	allocationKindImage
)

func (k allocationKind) String() string {
	if k == allocationKindImage {
		return "Image"
	}
	return "Buffer"
}

type liveAllocation struct {
	kind allocationKind
	name string
	size int
}

// Allocator wraps a vam.Allocator with buffer/image creation, staged host-to-device
// uploads, and device-address queries. Every successful Create* call registers the
// returned resource in a live-allocation table and the matching Destroy* call is the
// only thing that removes it, so the table doubles as a leak detector: anything still
// present at Allocator.Destroy time was never paired with its destructor.
//
// Allocator is not internally synchronized. The expectation is a single goroutine
// driving the frame loop.
type Allocator struct {
	logger *slog.Logger
	device core1_0.Device
	queue  core1_0.Queue

	callbacks        *driver.AllocationCallbacks
	queueFamilyIndex int

	vma           *vam.Allocator
	deviceAddress khr_buffer_device_address_shim.Shim
	transferPool  core1_0.CommandPool

	minUniformAlignment uint

	nextID uint64
	live   *swiss.Map[uint64, liveAllocation]
}

// New creates an Allocator for the provided device. The queue is used for the blocking
// one-shot submissions that back staged uploads and should belong to
// o.TransferQueueFamilyIndex with transfer capability.
func New(
	logger *slog.Logger,
	instance core1_0.Instance,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	queue core1_0.Queue,
	o CreateOptions,
) (*Allocator, error) {
	if logger == nil {
		return nil, errors.New("memory.New: logger cannot be nil")
	}
	if device == nil || queue == nil {
		return nil, errors.New("memory.New: device and queue are required")
	}

	vma, err := vam.New(logger, instance, physicalDevice, device, o.Vam)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the underlying vam allocator")
	}

	var minUniformAlignment uint
	properties, err := physicalDevice.Properties()
	if err != nil {
		_ = vma.Destroy()
		return nil, errors.Wrap(err, "failed to query physical device properties")
	}
	if properties.Limits != nil {
		minUniformAlignment = uint(properties.Limits.MinUniformBufferOffsetAlignment)
	}

	allocator := &Allocator{
		logger:              logger,
		device:              device,
		queue:               queue,
		callbacks:           o.AllocationCallbacks,
		queueFamilyIndex:    o.TransferQueueFamilyIndex,
		vma:                 vma,
		minUniformAlignment: minUniformAlignment,
		live:                swiss.NewMap[uint64, liveAllocation](64),
	}

	// Device addresses come from core 1.2 when active, from the extension otherwise,
	// and are simply unavailable when neither is present
	device12 := core1_2.PromoteDevice(device)
	if device12 != nil {
		allocator.deviceAddress = device12
	} else if device.IsDeviceExtensionActive(khr_buffer_device_address.ExtensionName) {
		extension := khr_buffer_device_address.CreateExtensionFromDevice(device)
		allocator.deviceAddress = khr_buffer_device_address_shim.NewShim(extension, device)
	}

	allocator.transferPool, _, err = device.CreateCommandPool(o.AllocationCallbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateTransient,
		QueueFamilyIndex: o.TransferQueueFamilyIndex,
	})
	if err != nil {
		_ = vma.Destroy()
		return nil, errors.Wrap(err, "failed to create the allocator's transfer command pool")
	}

	return allocator, nil
}

// Device returns the device this allocator allocates into
func (a *Allocator) Device() core1_0.Device { return a.device }

// PadUniformBufferSize rounds size up to the device's minimum uniform buffer offset
// alignment, so per-frame data can be packed into a single uniform buffer and addressed
// with dynamic offsets
func (a *Allocator) PadUniformBufferSize(size int) int {
	if a.minUniformAlignment == 0 {
		return size
	}
	return memutils.AlignUp(size, a.minUniformAlignment)
}

func (a *Allocator) register(kind allocationKind, name string, size int) uint64 {
	a.nextID++
	a.live.Put(a.nextID, liveAllocation{
		kind: kind,
		name: name,
		size: size,
	})
	return a.nextID
}

func (a *Allocator) unregister(id uint64) {
	a.live.Delete(id)
}

// LiveAllocationCount returns the number of buffers and images created through this
// allocator that have not yet been destroyed
func (a *Allocator) LiveAllocationCount() int {
	return a.live.Count()
}

// BuildStatsString writes a JSON description of all live allocations to the provided
// writer. It is intended for leak diagnosis and debug overlays.
func (a *Allocator) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	obj.Name("LiveAllocations").Int(a.live.Count())

	arrState := obj.Name("Allocations").Array()
	a.live.Iter(func(id uint64, alloc liveAllocation) (stop bool) {
		allocObj := arrState.Object()
		allocObj.Name("ID").Int(int(id))
		allocObj.Name("Kind").String(alloc.kind.String())
		allocObj.Name("Size").Int(alloc.size)
		if alloc.name != "" {
			allocObj.Name("Name").String(alloc.name)
		}
		allocObj.End()
		return false
	})
	arrState.End()
	obj.End()
}

// Destroy tears down the transfer pool and the underlying vam allocator. It is an error
// to destroy an Allocator that still has live allocations: that means some resource was
// never routed into a deletion queue or destroyed synchronously, and its device memory
// has leaked.
func (a *Allocator) Destroy() error {
	if a.live.Count() > 0 {
		leaked := a.live.Count()
		a.live.Iter(func(id uint64, alloc liveAllocation) (stop bool) {
			a.logger.Error("Allocator::Destroy leaked allocation",
				slog.Uint64("id", id),
				slog.String("kind", alloc.kind.String()),
				slog.String("name", alloc.name),
				slog.Int("size", alloc.size),
			)
			return false
		})
		return errors.Newf("allocator destroyed with %d live allocations", leaked)
	}

	if a.transferPool != nil {
		a.transferPool.Destroy(a.callbacks)
		a.transferPool = nil
	}

	return a.vma.Destroy()
}
