package forge

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/forge/deletion"
	"github.com/vkngwrapper/forge/descriptor"
	"github.com/vkngwrapper/forge/memory"
)

// FrameData is one in-flight frame slot. Each slot owns its own command pool and
// buffers, the semaphores and fence that order its submission, a deletion queue for
// resources the slot's last submission may still be reading, and a descriptor allocator
// whose pools are reset wholesale when the slot is reclaimed.
//
// Slots are created once at startup and reused for the life of the Renderer.
type FrameData struct {
	commandPool   core1_0.CommandPool
	commandBuffer core1_0.CommandBuffer
	overlayBuffer core1_0.CommandBuffer

	imageAcquired  core1_0.Semaphore
	renderComplete core1_0.Semaphore
	fence          core1_0.Fence

	deletionQueue *deletion.Queue
	descriptors   *descriptor.Allocator
}

// CommandBuffer returns the slot's primary command buffer, recorded fresh each time the
// slot comes up in the ring
func (f *FrameData) CommandBuffer() core1_0.CommandBuffer { return f.commandBuffer }

// OverlayCommandBuffer returns the slot's secondary-pass command buffer, used for UI
// and other overlay work submitted in the same batch as the primary buffer
func (f *FrameData) OverlayCommandBuffer() core1_0.CommandBuffer { return f.overlayBuffer }

// Fence returns the slot's completion fence. It is created signaled so the slot's first
// use does not wait.
func (f *FrameData) Fence() core1_0.Fence { return f.fence }

// DeletionQueue returns the slot's deletion queue. Resources enqueued here are
// destroyed the next time this slot is reclaimed, once its fence proves the GPU is done
// with them.
func (f *FrameData) DeletionQueue() *deletion.Queue { return f.deletionQueue }

// Descriptors returns the slot's descriptor allocator. Sets allocated from it are valid
// only until the slot is next reclaimed.
func (f *FrameData) Descriptors() *descriptor.Allocator { return f.descriptors }

func newFrameData(
	logger *slog.Logger,
	ctx *Context,
	allocator *memory.Allocator,
	descriptorMaxSets int,
	descriptorRatios []descriptor.PoolSizeRatio,
) (*FrameData, error) {
	frame := &FrameData{}

	var err error
	frame.commandPool, _, err = ctx.Device().CreateCommandPool(ctx.AllocationCallbacks(), core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: ctx.GraphicsQueueFamilyIndex(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a frame slot's command pool")
	}

	buffers, _, err := ctx.Device().AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        frame.commandPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 2,
	})
	if err != nil {
		frame.destroy(ctx)
		return nil, errors.Wrap(err, "failed to allocate a frame slot's command buffers")
	}
	frame.commandBuffer = buffers[0]
	frame.overlayBuffer = buffers[1]

	frame.imageAcquired, _, err = ctx.Device().CreateSemaphore(ctx.AllocationCallbacks(), core1_0.SemaphoreCreateInfo{})
	if err != nil {
		frame.destroy(ctx)
		return nil, errors.Wrap(err, "failed to create a frame slot's image-acquired semaphore")
	}

	frame.renderComplete, _, err = ctx.Device().CreateSemaphore(ctx.AllocationCallbacks(), core1_0.SemaphoreCreateInfo{})
	if err != nil {
		frame.destroy(ctx)
		return nil, errors.Wrap(err, "failed to create a frame slot's render-complete semaphore")
	}

	// Signaled at creation so the slot's first wait falls straight through
	frame.fence, _, err = ctx.Device().CreateFence(ctx.AllocationCallbacks(), core1_0.FenceCreateInfo{
		Flags: core1_0.FenceCreateSignaled,
	})
	if err != nil {
		frame.destroy(ctx)
		return nil, errors.Wrap(err, "failed to create a frame slot's fence")
	}

	frame.deletionQueue = deletion.NewQueue(logger, allocator, ctx.AllocationCallbacks())

	frame.descriptors, err = descriptor.NewAllocator(logger, ctx.Device(), ctx.AllocationCallbacks(), descriptorMaxSets, descriptorRatios)
	if err != nil {
		frame.destroy(ctx)
		return nil, errors.Wrap(err, "failed to create a frame slot's descriptor allocator")
	}

	return frame, nil
}

// destroy tears down the slot's Vulkan objects. Anything still pending in the slot's
// deletion queue is flushed first; the caller must have waited on the slot's fence.
func (f *FrameData) destroy(ctx *Context) error {
	if f.deletionQueue != nil {
		err := f.deletionQueue.Flush()
		if err != nil {
			return err
		}
	}
	if f.descriptors != nil {
		f.descriptors.DestroyPools()
		f.descriptors = nil
	}

	if f.fence != nil {
		f.fence.Destroy(ctx.AllocationCallbacks())
		f.fence = nil
	}
	if f.renderComplete != nil {
		f.renderComplete.Destroy(ctx.AllocationCallbacks())
		f.renderComplete = nil
	}
	if f.imageAcquired != nil {
		f.imageAcquired.Destroy(ctx.AllocationCallbacks())
		f.imageAcquired = nil
	}
	if f.commandPool != nil {
		f.commandPool.Destroy(ctx.AllocationCallbacks())
		f.commandPool = nil
		f.commandBuffer = nil
		f.overlayBuffer = nil
	}
	return nil
}
