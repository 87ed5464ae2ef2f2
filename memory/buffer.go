package memory

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/extensions/v2/khr_buffer_device_address"
)

// BufferOptions describes a buffer to be created with CreateBuffer
type BufferOptions struct {
	// Name is an optional debug name attached to the underlying allocation and reported
	// in allocator statistics
	Name string
	// Size is the requested buffer size in bytes and must be positive
	Size int
	// Usage is the set of ways the buffer will be used. Include
	// khr_buffer_device_address.BufferUsageShaderDeviceAddress to have CreateBuffer
	// resolve the buffer's device address at creation time.
	Usage core1_0.BufferUsageFlags

	// MemoryUsage selects the memory domain. The zero value falls back to
	// vam.MemoryUsageAuto.
	MemoryUsage vam.MemoryUsage
	// AllocationFlags is forwarded to the underlying allocation. Host-visible buffers
	// that will be written with WriteData need one of the HostAccess flags.
	AllocationFlags vam.AllocationCreateFlags
	// RequiredProperties is the set of memory property flags the backing memory type
	// must include
	RequiredProperties core1_0.MemoryPropertyFlags
}

// Buffer is a core1_0.Buffer paired with the vam.Allocation that backs it. The pair is
// created and destroyed as a unit through Allocator.
type Buffer struct {
	id         uint64
	buffer     core1_0.Buffer
	allocation vam.Allocation

	size    int
	usage   core1_0.BufferUsageFlags
	address uint64
}

// Handle returns the wrapped core1_0.Buffer
func (b *Buffer) Handle() core1_0.Buffer { return b.buffer }

// Allocation returns the vam.Allocation backing this buffer
func (b *Buffer) Allocation() *vam.Allocation { return &b.allocation }

// Size returns the buffer size requested at creation time, in bytes
func (b *Buffer) Size() int { return b.size }

// DeviceAddress returns the buffer's GPU virtual address. The buffer must have been
// created with khr_buffer_device_address.BufferUsageShaderDeviceAddress on a device where
// buffer device addresses are available.
func (b *Buffer) DeviceAddress() (uint64, error) {
	if b.address == 0 {
		return 0, errors.Newf("buffer was not created with BufferUsageShaderDeviceAddress and has no device address")
	}
	return b.address, nil
}

// Map maps the buffer's backing memory into host address space. Callers are responsible
// for a matching Unmap.
func (b *Buffer) Map() (unsafe.Pointer, common.VkResult, error) {
	return b.allocation.Map()
}

// Unmap releases a mapping established with Map
func (b *Buffer) Unmap() error {
	return b.allocation.Unmap()
}

// WriteData copies the provided bytes into the buffer at the provided offset and flushes
// the written range. The buffer must be host-visible. Mapping is transient: the memory
// is unmapped again before WriteData returns.
func (b *Buffer) WriteData(offset int, data []byte) (common.VkResult, error) {
	if offset < 0 || offset+len(data) > b.size {
		return core1_0.VKErrorUnknown, errors.Newf("write of %d bytes at offset %d does not fit a %d-byte buffer", len(data), offset, b.size)
	}
	if len(data) == 0 {
		return core1_0.VKSuccess, nil
	}

	ptr, res, err := b.allocation.Map()
	if err != nil {
		return res, errors.Wrap(err, "failed to map buffer memory for writing")
	}

	dst := unsafe.Slice((*byte)(unsafe.Add(ptr, offset)), len(data))
	copy(dst, data)

	res, err = b.allocation.Flush(offset, len(data))
	if err != nil {
		_ = b.allocation.Unmap()
		return res, errors.Wrap(err, "failed to flush written buffer range")
	}

	err = b.allocation.Unmap()
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return core1_0.VKSuccess, nil
}

// CreateBuffer creates a buffer, allocates memory for it with the underlying vam
// allocator, and binds the two together. When o.Usage requests a device address and the
// device supports it, the address is resolved immediately and available from
// Buffer.DeviceAddress.
func (a *Allocator) CreateBuffer(o BufferOptions) (*Buffer, common.VkResult, error) {
	if o.Size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to create a buffer of invalid size %d", o.Size)
	}

	memoryUsage := o.MemoryUsage
	if memoryUsage == vam.MemoryUsageUnknown {
		memoryUsage = vam.MemoryUsageAuto
	}

	wantsAddress := o.Usage&khr_buffer_device_address.BufferUsageShaderDeviceAddress != 0
	if wantsAddress && a.deviceAddress == nil {
		return nil, core1_0.VKErrorExtensionNotPresent, errors.New("buffer requested a device address, but buffer device addresses are not available on this device")
	}

	buffer, res, err := a.device.CreateBuffer(a.callbacks, core1_0.BufferCreateInfo{
		Size:        o.Size,
		Usage:       o.Usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, res, errors.Wrapf(err, "failed to create a %d-byte buffer", o.Size)
	}

	var allocation vam.Allocation
	res, err = a.vma.AllocateMemoryForBuffer(buffer, vam.AllocationCreateInfo{
		Flags:         o.AllocationFlags,
		Usage:         memoryUsage,
		RequiredFlags: o.RequiredProperties,
		UserData:      o.Name,
	}, &allocation)
	if err != nil {
		buffer.Destroy(a.callbacks)
		return nil, res, errors.Wrapf(err, "failed to allocate memory for a %d-byte buffer", o.Size)
	}
	if o.Name != "" {
		allocation.SetName(o.Name)
	}

	res, err = allocation.BindBufferMemory(buffer)
	if err != nil {
		_ = allocation.Free()
		buffer.Destroy(a.callbacks)
		return nil, res, errors.Wrap(err, "failed to bind allocated memory to a new buffer")
	}

	outBuffer := &Buffer{
		buffer:     buffer,
		allocation: allocation,
		size:       o.Size,
		usage:      o.Usage,
	}

	if wantsAddress {
		outBuffer.address, err = a.deviceAddress.GetBufferDeviceAddress(core1_2.BufferDeviceAddressInfo{
			Buffer: buffer,
		})
		if err != nil {
			_ = allocation.DestroyBuffer(buffer)
			return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "failed to query a new buffer's device address")
		}
	}

	outBuffer.id = a.register(allocationKindBuffer, o.Name, o.Size)
	a.logger.Debug("Allocator::CreateBuffer",
		slog.Uint64("id", outBuffer.id),
		slog.String("name", o.Name),
		slog.Int("size", o.Size),
	)

	return outBuffer, core1_0.VKSuccess, nil
}

// DestroyBuffer destroys the buffer and frees its backing allocation. The pair must have
// been created by this allocator and must not be destroyed twice.
func (a *Allocator) DestroyBuffer(b *Buffer) error {
	if b == nil {
		return errors.New("attempted to destroy a nil buffer")
	}
	if b.buffer == nil {
		return errors.New("attempted to destroy a buffer twice")
	}

	err := b.allocation.DestroyBuffer(b.buffer)
	if err != nil {
		return errors.Wrap(err, "failed to destroy a buffer and free its allocation")
	}

	a.unregister(b.id)
	a.logger.Debug("Allocator::DestroyBuffer", slog.Uint64("id", b.id))
	b.buffer = nil
	return nil
}
