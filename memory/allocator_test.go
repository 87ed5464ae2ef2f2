package memory

import (
	"bytes"
	"log/slog"
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

type allocatorRig struct {
	device       *mocks.MockDevice
	queue        *mocks.MockQueue
	transferPool *mocks.MockCommandPool
	allocator    *Allocator
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller) *allocatorRig {
	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits: &core1_0.PhysicalDeviceLimits{
			BufferImageGranularity:          1,
			NonCoherentAtomSize:             1,
			MaxMemoryAllocationCount:        100,
			MinUniformBufferOffsetAlignment: 256,
		},
	}, nil).AnyTimes()
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal |
					core1_0.MemoryPropertyHostVisible |
					core1_0.MemoryPropertyHostCoherent,
				HeapIndex: 0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}).AnyTimes()

	queue := mocks.NewMockQueue(ctrl)
	transferPool := mocks.NewMockCommandPool(ctrl)
	device.EXPECT().CreateCommandPool(gomock.Any(), gomock.Any()).Return(transferPool, core1_0.VKSuccess, nil)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	allocator, err := New(logger, instance, physicalDevice, device, queue, CreateOptions{})
	require.NoError(t, err)

	return &allocatorRig{
		device:       device,
		queue:        queue,
		transferPool: transferPool,
		allocator:    allocator,
	}
}

// expectBufferCreation scripts the device calls behind CreateBuffer for a dedicated
// host-visible allocation and returns the buffer and memory mocks
func expectBufferCreation(ctrl *gomock.Controller, device *mocks.MockDevice, size int, usage core1_0.BufferUsageFlags) (*mocks.MockBuffer, *mocks.MockDeviceMemory) {
	buffer := mocks.NewMockBuffer(ctrl)
	device.EXPECT().CreateBuffer(gomock.Any(), core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	}).Return(buffer, core1_0.VKSuccess, nil)

	buffer.EXPECT().MemoryRequirements().Return(&core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      1,
		MemoryTypeBits: 1,
	}).AnyTimes()

	deviceMemory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(gomock.Any(), core1_0.MemoryAllocateInfo{
		MemoryTypeIndex: 0,
		AllocationSize:  size,
	}).Return(deviceMemory, core1_0.VKSuccess, nil)

	buffer.EXPECT().BindBufferMemory(deviceMemory, 0).Return(core1_0.VKSuccess, nil)

	return buffer, deviceMemory
}

func expectBufferDestruction(buffer *mocks.MockBuffer, deviceMemory *mocks.MockDeviceMemory) {
	buffer.EXPECT().Destroy(gomock.Any())
	deviceMemory.EXPECT().Free(gomock.Any())
}

func dedicatedHostBufferOptions(name string, size int) BufferOptions {
	return BufferOptions{
		Name:  name,
		Size:  size,
		Usage: core1_0.BufferUsageUniformBuffer,
		AllocationFlags: vam.AllocationCreateHostAccessSequentialWrite |
			vam.AllocationCreateDedicatedMemory,
		RequiredProperties: core1_0.MemoryPropertyHostVisible |
			core1_0.MemoryPropertyHostCoherent,
	}
}

func TestBufferWriteReadRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	buffer, deviceMemory := expectBufferCreation(ctrl, rig.device, 256, core1_0.BufferUsageUniformBuffer)

	backing := make([]byte, 256)
	backingPtr := unsafe.Pointer(&backing[0])
	deviceMemory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(backingPtr, core1_0.VKSuccess, nil).Times(2)
	deviceMemory.EXPECT().Unmap().Times(2)

	uniform, _, err := rig.allocator.CreateBuffer(dedicatedHostBufferOptions("round-trip", 256))
	require.NoError(t, err)
	require.Equal(t, 256, uniform.Size())
	require.Equal(t, 1, rig.allocator.LiveAllocationCount())

	pattern := make([]byte, 256)
	for i := range pattern {
		pattern[i] = byte(i ^ 0xa5)
	}

	_, err = uniform.WriteData(0, pattern)
	require.NoError(t, err)

	ptr, _, err := uniform.Map()
	require.NoError(t, err)

	readBack := make([]byte, 256)
	copy(readBack, unsafe.Slice((*byte)(ptr), 256))
	require.NoError(t, uniform.Unmap())

	require.Equal(t, pattern, readBack)

	expectBufferDestruction(buffer, deviceMemory)
	require.NoError(t, rig.allocator.DestroyBuffer(uniform))
	require.Equal(t, 0, rig.allocator.LiveAllocationCount())

	rig.transferPool.EXPECT().Destroy(gomock.Any())
	require.NoError(t, rig.allocator.Destroy())
}

func TestWriteDataBoundsChecked(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	buffer, deviceMemory := expectBufferCreation(ctrl, rig.device, 64, core1_0.BufferUsageUniformBuffer)

	small, _, err := rig.allocator.CreateBuffer(dedicatedHostBufferOptions("small", 64))
	require.NoError(t, err)

	_, err = small.WriteData(32, make([]byte, 64))
	require.Error(t, err)

	expectBufferDestruction(buffer, deviceMemory)
	require.NoError(t, rig.allocator.DestroyBuffer(small))

	rig.transferPool.EXPECT().Destroy(gomock.Any())
	require.NoError(t, rig.allocator.Destroy())
}

func TestDestroyFlagsLeakedAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	buffer, deviceMemory := expectBufferCreation(ctrl, rig.device, 128, core1_0.BufferUsageUniformBuffer)

	leaked, _, err := rig.allocator.CreateBuffer(dedicatedHostBufferOptions("leaked-uniform", 128))
	require.NoError(t, err)

	err = rig.allocator.Destroy()
	require.Error(t, err)
	require.ErrorContains(t, err, "1 live allocation")

	w := jwriter.NewWriter()
	rig.allocator.BuildStatsString(&w)
	require.NoError(t, w.Error())
	stats := string(w.Bytes())
	require.Contains(t, stats, `"LiveAllocations":1`)
	require.Contains(t, stats, `"Name":"leaked-uniform"`)

	expectBufferDestruction(buffer, deviceMemory)
	require.NoError(t, rig.allocator.DestroyBuffer(leaked))

	rig.transferPool.EXPECT().Destroy(gomock.Any())
	require.NoError(t, rig.allocator.Destroy())
}

func TestDestroyBufferTwiceFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	buffer, deviceMemory := expectBufferCreation(ctrl, rig.device, 128, core1_0.BufferUsageUniformBuffer)

	doomed, _, err := rig.allocator.CreateBuffer(dedicatedHostBufferOptions("doomed", 128))
	require.NoError(t, err)

	expectBufferDestruction(buffer, deviceMemory)
	require.NoError(t, rig.allocator.DestroyBuffer(doomed))

	err = rig.allocator.DestroyBuffer(doomed)
	require.Error(t, err)
	require.Equal(t, 0, rig.allocator.LiveAllocationCount())
}

func TestPadUniformBufferSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	require.Equal(t, 256, rig.allocator.PadUniformBufferSize(13))
	require.Equal(t, 256, rig.allocator.PadUniformBufferSize(256))
	require.Equal(t, 512, rig.allocator.PadUniformBufferSize(300))

	rig.transferPool.EXPECT().Destroy(gomock.Any())
	require.NoError(t, rig.allocator.Destroy())
}

func TestNewFailsWhenPropertiesQueryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	// The underlying allocator's own properties query succeeds; the alignment query
	// afterward fails and must tear that allocator back down
	gomock.InOrder(
		physicalDevice.EXPECT().Properties().Return(&core1_0.PhysicalDeviceProperties{
			DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
			Limits: &core1_0.PhysicalDeviceLimits{
				BufferImageGranularity:   1,
				NonCoherentAtomSize:      1,
				MaxMemoryAllocationCount: 100,
			},
		}, nil),
		physicalDevice.EXPECT().Properties().Return(nil, errors.New("device lost")),
	)
	physicalDevice.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  1000000,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
		},
	}).AnyTimes()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := New(logger, instance, physicalDevice, device, mocks.NewMockQueue(ctrl), CreateOptions{})
	require.ErrorContains(t, err, "failed to query physical device properties")
}

func TestCreateBufferRejectsInvalidSize(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	_, _, err := rig.allocator.CreateBuffer(BufferOptions{
		Size:  0,
		Usage: core1_0.BufferUsageUniformBuffer,
	})
	require.Error(t, err)
	require.Equal(t, 0, rig.allocator.LiveAllocationCount())
}

func TestCreateBufferWithDataUploadsThroughStaging(t *testing.T) {
	ctrl := gomock.NewController(t)
	rig := readyAllocator(t, ctrl)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	// Staging buffer: host-visible, written with the payload, destroyed after the copy
	stagingBacking := make([]byte, 512)
	stagingBuffer, stagingMemory := expectBufferCreation(ctrl, rig.device, 512, core1_0.BufferUsageTransferSrc)
	stagingMemory.EXPECT().Map(0, -1, core1_0.MemoryMapFlags(0)).Return(unsafe.Pointer(&stagingBacking[0]), core1_0.VKSuccess, nil)
	stagingMemory.EXPECT().Unmap()
	expectBufferDestruction(stagingBuffer, stagingMemory)

	// Destination buffer
	dstBuffer, _ := expectBufferCreation(ctrl, rig.device, 512,
		core1_0.BufferUsageVertexBuffer|core1_0.BufferUsageTransferDst)

	// One-shot transfer submission
	commandBuffer := mocks.NewMockCommandBuffer(ctrl)
	rig.device.EXPECT().AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        rig.transferPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}).Return([]core1_0.CommandBuffer{commandBuffer}, core1_0.VKSuccess, nil)

	gomock.InOrder(
		commandBuffer.EXPECT().Begin(core1_0.CommandBufferBeginInfo{
			Flags: core1_0.CommandBufferUsageOneTimeSubmit,
		}).Return(core1_0.VKSuccess, nil),
		commandBuffer.EXPECT().CmdCopyBuffer(stagingBuffer, dstBuffer, []core1_0.BufferCopy{
			{SrcOffset: 0, DstOffset: 0, Size: 512},
		}).Return(nil),
		commandBuffer.EXPECT().End().Return(core1_0.VKSuccess, nil),
		rig.queue.EXPECT().Submit(nil, []core1_0.SubmitInfo{
			{CommandBuffers: []core1_0.CommandBuffer{commandBuffer}},
		}).Return(core1_0.VKSuccess, nil),
		rig.queue.EXPECT().WaitIdle().Return(core1_0.VKSuccess, nil),
	)
	rig.device.EXPECT().FreeCommandBuffers([]core1_0.CommandBuffer{commandBuffer})

	vertexBuffer, _, err := rig.allocator.CreateBufferWithData(payload, BufferOptions{
		Name:  "vertices",
		Size:  512,
		Usage: core1_0.BufferUsageVertexBuffer,
		AllocationFlags: vam.AllocationCreateDedicatedMemory |
			vam.AllocationCreateHostAccessSequentialWrite,
		RequiredProperties: core1_0.MemoryPropertyHostVisible |
			core1_0.MemoryPropertyHostCoherent,
	})
	require.NoError(t, err)
	require.Equal(t, payload, stagingBacking)
	require.Equal(t, 512, vertexBuffer.Size())
	require.Equal(t, 1, rig.allocator.LiveAllocationCount())
}
