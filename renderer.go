package forge

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"github.com/vkngwrapper/forge/deletion"
	"github.com/vkngwrapper/forge/descriptor"
	"github.com/vkngwrapper/forge/memory"
)

var (
	// ErrSwapchainOutOfDate indicates the swapchain no longer matches the surface and
	// must be recreated before another frame can be drawn. The frame that observed it
	// was not submitted. Callers handle it with Renderer.RecreateSwapchain and retry.
	ErrSwapchainOutOfDate = errors.New("the swapchain is out of date and must be recreated")

	// ErrFrameTimeout indicates a frame slot's completion fence did not signal within
	// the configured wait timeout. The GPU is stalled or lost; the frame loop should
	// not continue.
	ErrFrameTimeout = errors.New("timed out waiting for a frame slot's fence")
)

// RecordFunc records one frame's commands into the provided command buffer, which has
// already been begun and will be ended by the caller. imageIndex identifies the
// swapchain image this frame will present.
type RecordFunc func(commandBuffer core1_0.CommandBuffer, frame *FrameData, imageIndex int) error

// presenter is the slice of Swapchain the frame loop depends on
type presenter interface {
	AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error)
	Present(queue core1_0.Queue, waitSemaphore core1_0.Semaphore, imageIndex int) (common.VkResult, error)
}

// RendererOptions tunes Renderer construction
type RendererOptions struct {
	// FramesInFlight is the number of frame slots in the ring. Defaults to 2.
	FramesInFlight int

	// FenceTimeout bounds the wait on a slot's completion fence. Defaults to an
	// infinite wait; when set, a fence that does not signal in time surfaces as
	// ErrFrameTimeout.
	FenceTimeout time.Duration

	// DescriptorMaxSets is the initial per-slot descriptor pool capacity. Defaults
	// to 1000.
	DescriptorMaxSets int

	// DescriptorRatios sizes per-slot descriptor pools by type. Defaults to one
	// descriptor each of uniform buffer, storage buffer, storage image, and combined
	// image sampler per set.
	DescriptorRatios []descriptor.PoolSizeRatio
}

// FrameStats reports frame pacing measured across Draw calls
type FrameStats struct {
	// FrameCount is the number of frames successfully submitted and presented
	FrameCount uint64
	// LastFrameTime is the wall time the most recent successful Draw took
	LastFrameTime time.Duration
	// MeanFrameTime is the average wall time across all successful Draw calls
	MeanFrameTime time.Duration
}

// Renderer drives the acquire/record/submit/present cycle across a ring of frame
// slots. Slot i's resources are reused only after slot i's fence proves the GPU
// finished the slot's previous submission; that fence wait is also the gate behind
// which the slot's deletion queue is flushed and its descriptor pools are reset.
//
// Renderer owns the memory allocator and the device-lifetime deletion queue, and is
// driven from a single goroutine.
type Renderer struct {
	logger *slog.Logger
	ctx    *Context

	allocator    *memory.Allocator
	mainDeletion *deletion.Queue
	swapchain    *Swapchain
	present      presenter
	frames       []*FrameData
	frameNumber  uint64
	fenceTimeout time.Duration
	suboptimal   bool

	stats     FrameStats
	totalTime time.Duration
}

// NewRenderer creates a Renderer over the provided context, allocator, and swapchain.
// The Renderer takes ownership of the allocator and the swapchain; the context is
// borrowed and destroyed by the caller after the Renderer.
func NewRenderer(
	logger *slog.Logger,
	ctx *Context,
	allocator *memory.Allocator,
	swapchain *Swapchain,
	o RendererOptions,
) (*Renderer, error) {
	if logger == nil {
		return nil, errors.New("forge.NewRenderer: logger cannot be nil")
	}
	if ctx == nil || allocator == nil || swapchain == nil {
		return nil, errors.New("forge.NewRenderer: context, allocator, and swapchain are required")
	}

	if o.FramesInFlight == 0 {
		o.FramesInFlight = 2
	}
	if o.FramesInFlight < 1 {
		return nil, errors.Newf("forge.NewRenderer: invalid frames-in-flight count %d", o.FramesInFlight)
	}
	if o.FenceTimeout == 0 {
		o.FenceTimeout = common.NoTimeout
	}
	if o.DescriptorMaxSets == 0 {
		o.DescriptorMaxSets = 1000
	}
	if len(o.DescriptorRatios) == 0 {
		o.DescriptorRatios = []descriptor.PoolSizeRatio{
			{Type: core1_0.DescriptorTypeUniformBuffer, Ratio: 1},
			{Type: core1_0.DescriptorTypeStorageBuffer, Ratio: 1},
			{Type: core1_0.DescriptorTypeStorageImage, Ratio: 1},
			{Type: core1_0.DescriptorTypeCombinedImageSampler, Ratio: 1},
		}
	}

	renderer := &Renderer{
		logger:       logger,
		ctx:          ctx,
		allocator:    allocator,
		mainDeletion: deletion.NewQueue(logger, allocator, ctx.AllocationCallbacks()),
		swapchain:    swapchain,
		present:      swapchain,
		fenceTimeout: o.FenceTimeout,
	}

	for i := 0; i < o.FramesInFlight; i++ {
		frame, err := newFrameData(logger, ctx, allocator, o.DescriptorMaxSets, o.DescriptorRatios)
		if err != nil {
			_ = renderer.destroyFrames()
			return nil, errors.Wrapf(err, "failed to create frame slot %d", i)
		}
		renderer.frames = append(renderer.frames, frame)
	}

	return renderer, nil
}

// Allocator returns the memory allocator this Renderer owns
func (r *Renderer) Allocator() *memory.Allocator { return r.allocator }

// MainDeletionQueue returns the device-lifetime deletion queue, flushed once at
// Destroy. Route resources here when they live until shutdown rather than until a
// particular frame completes.
func (r *Renderer) MainDeletionQueue() *deletion.Queue { return r.mainDeletion }

// Swapchain returns the swapchain this Renderer presents to
func (r *Renderer) Swapchain() *Swapchain { return r.swapchain }

// FramesInFlight returns the number of slots in the frame ring
func (r *Renderer) FramesInFlight() int { return len(r.frames) }

// CurrentSlotIndex returns the ring index the next Draw call will use
func (r *Renderer) CurrentSlotIndex() int {
	return int(r.frameNumber % uint64(len(r.frames)))
}

// CurrentFrame returns the frame slot the next Draw call will use. Between Draw calls
// this is the slot to enqueue deferred deletions against for resources the frame about
// to be recorded will reference.
func (r *Renderer) CurrentFrame() *FrameData {
	return r.frames[r.CurrentSlotIndex()]
}

// FrameStats returns pacing figures for the frames drawn so far
func (r *Renderer) FrameStats() FrameStats { return r.stats }

// reclaimSlot makes a slot's transient resources available again. Only called after
// the slot's fence has been observed signaled.
func (r *Renderer) reclaimSlot(frame *FrameData) error {
	err := frame.deletionQueue.Flush()
	if err != nil {
		return errors.Wrap(err, "failed to flush a reclaimed frame slot's deletion queue")
	}

	err = frame.descriptors.ResetPools()
	if err != nil {
		return errors.Wrap(err, "failed to reset a reclaimed frame slot's descriptor pools")
	}

	return nil
}

func (r *Renderer) recordBuffer(commandBuffer core1_0.CommandBuffer, frame *FrameData, imageIndex int, record RecordFunc) error {
	_, err := commandBuffer.Reset(0)
	if err != nil {
		return errors.Wrap(err, "failed to reset a frame command buffer")
	}

	_, err = commandBuffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.CommandBufferUsageOneTimeSubmit,
	})
	if err != nil {
		return errors.Wrap(err, "failed to begin a frame command buffer")
	}

	err = record(commandBuffer, frame, imageIndex)
	if err != nil {
		return errors.Wrap(err, "frame recording failed")
	}

	_, err = commandBuffer.End()
	if err != nil {
		return errors.Wrap(err, "failed to end a frame command buffer")
	}

	return nil
}

// Draw runs one full frame cycle: wait for the slot's fence, reclaim the slot's
// transient resources, acquire a swapchain image, record via the provided callbacks,
// submit, present, and advance the ring. record is required; overlay is optional and
// recorded into the slot's overlay command buffer, submitted in the same batch after
// the primary buffer.
//
// ErrSwapchainOutOfDate is returned, before anything is submitted, when the swapchain
// needs recreation; the caller recreates and calls Draw again. A fence that does not
// signal within the configured timeout surfaces as ErrFrameTimeout.
func (r *Renderer) Draw(record RecordFunc, overlay RecordFunc) error {
	if record == nil {
		return errors.New("Renderer.Draw requires a record callback")
	}

	start := hrtime.Now()
	frame := r.CurrentFrame()

	fences := []core1_0.Fence{frame.fence}
	waitRes, err := r.ctx.Device().WaitForFences(true, r.fenceTimeout, fences)
	if err != nil {
		return errors.Wrap(err, "failed to wait for a frame slot's fence")
	}
	if waitRes == core1_0.VKTimeout {
		return errors.Wrapf(ErrFrameTimeout, "no signal within %s", r.fenceTimeout)
	}

	err = r.reclaimSlot(frame)
	if err != nil {
		return err
	}

	imageIndex, acquireRes, err := r.present.AcquireNextImage(common.NoTimeout, frame.imageAcquired)
	if acquireRes == khr_swapchain.VKErrorOutOfDate {
		// The fence is still signaled: nothing was submitted, so the slot can be
		// rewaited and reused after recreation
		return ErrSwapchainOutOfDate
	}
	if err != nil {
		return errors.Wrap(err, "failed to acquire a swapchain image")
	}
	if acquireRes == khr_swapchain.VKSuboptimal {
		r.suboptimal = true
	}

	err = r.recordBuffer(frame.commandBuffer, frame, imageIndex, record)
	if err != nil {
		return err
	}

	commandBuffers := []core1_0.CommandBuffer{frame.commandBuffer}
	if overlay != nil {
		err = r.recordBuffer(frame.overlayBuffer, frame, imageIndex, overlay)
		if err != nil {
			return err
		}
		commandBuffers = append(commandBuffers, frame.overlayBuffer)
	}

	// The fence is only reset once this frame is certain to submit; an unsubmitted
	// frame must leave it signaled or the slot deadlocks
	_, err = r.ctx.Device().ResetFences(fences)
	if err != nil {
		return errors.Wrap(err, "failed to reset a frame slot's fence")
	}

	_, err = r.ctx.GraphicsQueue().Submit(frame.fence, []core1_0.SubmitInfo{
		{
			WaitSemaphores:   []core1_0.Semaphore{frame.imageAcquired},
			WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
			CommandBuffers:   commandBuffers,
			SignalSemaphores: []core1_0.Semaphore{frame.renderComplete},
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to submit a frame")
	}

	presentRes, err := r.present.Present(r.ctx.PresentQueue(), frame.renderComplete, imageIndex)
	staleChain := presentRes == khr_swapchain.VKErrorOutOfDate || presentRes == khr_swapchain.VKSuboptimal
	if err != nil && !staleChain {
		// A present failure is fatal even when an earlier suboptimal acquire already
		// marked the swapchain for recreation
		return errors.Wrap(err, "failed to present a frame")
	}
	if staleChain || r.suboptimal {
		// The frame was submitted and will complete; only the next frame needs the
		// rebuilt swapchain
		r.suboptimal = false
		r.frameNumber++
		r.recordFrameTime(hrtime.Now() - start)
		return ErrSwapchainOutOfDate
	}

	r.frameNumber++
	r.recordFrameTime(hrtime.Now() - start)
	return nil
}

func (r *Renderer) recordFrameTime(elapsed time.Duration) {
	r.stats.FrameCount++
	r.stats.LastFrameTime = elapsed
	r.totalTime += elapsed
	r.stats.MeanFrameTime = r.totalTime / time.Duration(r.stats.FrameCount)
}

// RecreateSwapchain idles the device and rebuilds the swapchain against the surface's
// current state. Call after Draw returns ErrSwapchainOutOfDate.
func (r *Renderer) RecreateSwapchain() error {
	err := r.ctx.WaitIdle()
	if err != nil {
		return err
	}
	return r.swapchain.Recreate()
}

// WaitIdle blocks until every slot's fence signals and the device idles, guaranteeing
// no submitted frame is still executing
func (r *Renderer) WaitIdle() error {
	fences := make([]core1_0.Fence, 0, len(r.frames))
	for _, frame := range r.frames {
		fences = append(fences, frame.fence)
	}

	_, err := r.ctx.Device().WaitForFences(true, common.NoTimeout, fences)
	if err != nil {
		return errors.Wrap(err, "failed to drain the frame ring")
	}

	return r.ctx.WaitIdle()
}

func (r *Renderer) destroyFrames() error {
	for _, frame := range r.frames {
		err := frame.destroy(r.ctx)
		if err != nil {
			return err
		}
	}
	r.frames = nil
	return nil
}

// Destroy drains all in-flight work, destroys every frame slot, flushes the
// device-lifetime deletion queue, and finally destroys the swapchain and the memory
// allocator. The context is left for the caller to destroy.
func (r *Renderer) Destroy() error {
	err := r.WaitIdle()
	if err != nil {
		return err
	}

	err = r.destroyFrames()
	if err != nil {
		return err
	}

	err = r.mainDeletion.Flush()
	if err != nil {
		return errors.Wrap(err, "failed to flush the device-lifetime deletion queue")
	}

	r.swapchain.Destroy()

	err = r.allocator.Destroy()
	if err != nil {
		return errors.Wrap(err, "failed to destroy the memory allocator")
	}

	r.logger.Debug("Renderer::Destroy complete")
	return nil
}
