package memory

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// beginOneShot allocates a primary command buffer from the transfer pool and begins
// recording it for a single submission
func (a *Allocator) beginOneShot() (core1_0.CommandBuffer, common.VkResult, error) {
	buffers, res, err := a.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        a.transferPool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "failed to allocate a one-shot transfer command buffer")
	}

	commandBuffer := buffers[0]
	res, err = commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		a.device.FreeCommandBuffers(buffers)
		return nil, res, errors.Wrap(err, "failed to begin a one-shot transfer command buffer")
	}

	return commandBuffer, res, nil
}

// endOneShot finishes recording, submits to the transfer queue, and blocks until the
// queue drains. The command buffer is freed before returning. Uploads that go through
// here are visible to any subsequently-submitted work.
func (a *Allocator) endOneShot(commandBuffer core1_0.CommandBuffer) (common.VkResult, error) {
	defer a.device.FreeCommandBuffers([]core1_0.CommandBuffer{commandBuffer})

	res, err := commandBuffer.End()
	if err != nil {
		return res, errors.Wrap(err, "failed to end a one-shot transfer command buffer")
	}

	res, err = a.queue.Submit(nil, []core1_0.SubmitInfo{
		{
			CommandBuffers: []core1_0.CommandBuffer{commandBuffer},
		},
	})
	if err != nil {
		return res, errors.Wrap(err, "failed to submit a one-shot transfer command buffer")
	}

	res, err = a.queue.WaitIdle()
	if err != nil {
		return res, errors.Wrap(err, "failed to wait for the transfer queue to drain")
	}

	return res, nil
}

func (a *Allocator) destroyStaging(staging *Buffer) {
	err := a.DestroyBuffer(staging)
	if err != nil {
		a.logger.Error("failed to destroy a staging buffer", slog.Any("error", err))
	}
}

// stagingBuffer creates a host-visible transfer-source buffer populated with data
func (a *Allocator) stagingBuffer(data []byte) (*Buffer, common.VkResult, error) {
	// Staging allocations are dedicated: they are destroyed as soon as the copy that
	// consumes them completes, so block suballocation buys nothing
	staging, res, err := a.CreateBuffer(BufferOptions{
		Name:        "staging",
		Size:        len(data),
		Usage:       core1_0.BufferUsageTransferSrc,
		MemoryUsage: vam.MemoryUsageAuto,
		AllocationFlags: vam.AllocationCreateHostAccessSequentialWrite |
			vam.AllocationCreateDedicatedMemory,
		RequiredProperties: core1_0.MemoryPropertyHostVisible |
			core1_0.MemoryPropertyHostCoherent,
	})
	if err != nil {
		return nil, res, err
	}

	res, err = staging.WriteData(0, data)
	if err != nil {
		_ = a.DestroyBuffer(staging)
		return nil, res, err
	}

	return staging, res, nil
}

// CreateBufferWithData creates a buffer per o, uploads data into it through a staging
// buffer, and blocks until the copy completes. The staging buffer is destroyed before
// returning. o.Usage is extended with transfer-destination usage; o.Size defaults to
// len(data) when zero.
func (a *Allocator) CreateBufferWithData(data []byte, o BufferOptions) (*Buffer, common.VkResult, error) {
	if len(data) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted a staged buffer upload with no data")
	}
	if o.Size == 0 {
		o.Size = len(data)
	}
	if o.Size < len(data) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("attempted to upload %d bytes into a %d-byte buffer", len(data), o.Size)
	}
	o.Usage |= core1_0.BufferUsageTransferDst
	if o.MemoryUsage == vam.MemoryUsageUnknown {
		o.MemoryUsage = vam.MemoryUsageAutoPreferDevice
	}

	staging, res, err := a.stagingBuffer(data)
	if err != nil {
		return nil, res, err
	}
	defer a.destroyStaging(staging)

	dst, res, err := a.CreateBuffer(o)
	if err != nil {
		return nil, res, err
	}

	commandBuffer, res, err := a.beginOneShot()
	if err != nil {
		_ = a.DestroyBuffer(dst)
		return nil, res, err
	}

	err = commandBuffer.CmdCopyBuffer(staging.Handle(), dst.Handle(), []core1_0.BufferCopy{
		{
			SrcOffset: 0,
			DstOffset: 0,
			Size:      len(data),
		},
	})
	if err != nil {
		a.device.FreeCommandBuffers([]core1_0.CommandBuffer{commandBuffer})
		_ = a.DestroyBuffer(dst)
		return nil, core1_0.VKErrorUnknown, errors.Wrap(err, "failed to record a staged buffer copy")
	}

	res, err = a.endOneShot(commandBuffer)
	if err != nil {
		_ = a.DestroyBuffer(dst)
		return nil, res, err
	}

	return dst, res, nil
}

// CreateImageWithData creates an image per o, uploads data into its first mip level
// through a staging buffer, transitions it to shader-read-only layout, and blocks until
// the copy completes. o.Usage is extended with transfer-destination usage.
func (a *Allocator) CreateImageWithData(data []byte, o ImageOptions) (*Image, common.VkResult, error) {
	if len(data) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted a staged image upload with no data")
	}
	o.Usage |= core1_0.ImageUsageTransferDst

	staging, res, err := a.stagingBuffer(data)
	if err != nil {
		return nil, res, err
	}
	defer a.destroyStaging(staging)

	image, res, err := a.CreateImage(o)
	if err != nil {
		return nil, res, err
	}

	commandBuffer, res, err := a.beginOneShot()
	if err != nil {
		_ = a.DestroyImage(image)
		return nil, res, err
	}

	failUpload := func(cause error, message string) (*Image, common.VkResult, error) {
		a.device.FreeCommandBuffers([]core1_0.CommandBuffer{commandBuffer})
		_ = a.DestroyImage(image)
		return nil, core1_0.VKErrorUnknown, errors.Wrap(cause, message)
	}

	err = transitionImage(commandBuffer, image, core1_0.ImageLayoutUndefined, core1_0.ImageLayoutTransferDstOptimal)
	if err != nil {
		return failUpload(err, "failed to transition a new image for transfer")
	}

	err = commandBuffer.CmdCopyBufferToImage(staging.Handle(), image.Handle(), core1_0.ImageLayoutTransferDstOptimal, []core1_0.BufferImageCopy{
		{
			BufferOffset:      0,
			BufferRowLength:   0,
			BufferImageHeight: 0,
			ImageSubresource: core1_0.ImageSubresourceLayers{
				AspectMask:     core1_0.ImageAspectColor,
				MipLevel:       0,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
			ImageOffset: core1_0.Offset3D{},
			ImageExtent: o.Extent,
		},
	})
	if err != nil {
		return failUpload(err, "failed to record a staged image copy")
	}

	err = transitionImage(commandBuffer, image, core1_0.ImageLayoutTransferDstOptimal, core1_0.ImageLayoutShaderReadOnlyOptimal)
	if err != nil {
		return failUpload(err, "failed to transition a new image for shader reads")
	}

	res, err = a.endOneShot(commandBuffer)
	if err != nil {
		_ = a.DestroyImage(image)
		return nil, res, err
	}

	return image, res, nil
}

func transitionImage(commandBuffer core1_0.CommandBuffer, image *Image, oldLayout, newLayout core1_0.ImageLayout) error {
	var sourceStage, destStage core1_0.PipelineStageFlags
	var sourceAccess, destAccess core1_0.AccessFlags

	switch {
	case oldLayout == core1_0.ImageLayoutUndefined && newLayout == core1_0.ImageLayoutTransferDstOptimal:
		sourceAccess = 0
		destAccess = core1_0.AccessTransferWrite
		sourceStage = core1_0.PipelineStageTopOfPipe
		destStage = core1_0.PipelineStageTransfer
	case oldLayout == core1_0.ImageLayoutTransferDstOptimal && newLayout == core1_0.ImageLayoutShaderReadOnlyOptimal:
		sourceAccess = core1_0.AccessTransferWrite
		destAccess = core1_0.AccessShaderRead
		sourceStage = core1_0.PipelineStageTransfer
		destStage = core1_0.PipelineStageFragmentShader
	default:
		return errors.Newf("unexpected layout transition: %s -> %s", oldLayout, newLayout)
	}

	return commandBuffer.CmdPipelineBarrier(sourceStage, destStage, 0, nil, nil, []core1_0.ImageMemoryBarrier{
		{
			SrcAccessMask:       sourceAccess,
			DstAccessMask:       destAccess,
			OldLayout:           oldLayout,
			NewLayout:           newLayout,
			SrcQueueFamilyIndex: -1,
			DstQueueFamilyIndex: -1,
			Image:               image.Handle(),
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     image.MipLevels(),
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		},
	})
}
