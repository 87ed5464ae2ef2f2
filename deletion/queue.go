package deletion

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/forge/memory"
)

type taskKind int

const (
	taskDestroyBuffer taskKind = iota
	taskDestroyImage
	taskDestroyImageView
	taskDestroySampler
	taskDestroyDescriptorPool
	taskDestroyPipeline
	taskDestroyPipelineLayout
	taskDestroyDescriptorSetLayout
)

func (k taskKind) String() string {
	switch k {
	case taskDestroyBuffer:
		return "DestroyBuffer"
	case taskDestroyImage:
		return "DestroyImage"
	case taskDestroyImageView:
		return "DestroyImageView"
	case taskDestroySampler:
		return "DestroySampler"
	case taskDestroyDescriptorPool:
		return "DestroyDescriptorPool"
	case taskDestroyPipeline:
		return "DestroyPipeline"
	case taskDestroyPipelineLayout:
		return "DestroyPipelineLayout"
	case taskDestroyDescriptorSetLayout:
		return "DestroyDescriptorSetLayout"
	}
	return "Unknown"
}

// A task is one pending destruction. Exactly one of the handle fields is populated,
// selected by kind.
type task struct {
	kind taskKind

	buffer              *memory.Buffer
	image               *memory.Image
	imageView           core1_0.ImageView
	sampler             core1_0.Sampler
	descriptorPool      core1_0.DescriptorPool
	pipeline            core1_0.Pipeline
	pipelineLayout      core1_0.PipelineLayout
	descriptorSetLayout core1_0.DescriptorSetLayout
}

// Queue collects GPU resources whose destruction must be deferred until the GPU is known
// to be done with them, then destroys them all at once. Resources are destroyed in the
// order they were enqueued, each exactly once. The queue accepts a closed set of resource
// kinds rather than arbitrary callbacks so that every pending destruction can be named
// in logs and diagnosed when it fails.
//
// Two lifetimes are expected in practice: one queue per in-flight frame, flushed when
// that frame's fence signals, and one device-lifetime queue flushed at shutdown after
// the device idles.
type Queue struct {
	logger    *slog.Logger
	allocator *memory.Allocator
	callbacks *driver.AllocationCallbacks

	tasks []task
}

// NewQueue creates an empty deletion queue. Buffers and images are returned to
// allocator; bare Vulkan handles are destroyed against the allocator's device with the
// provided allocation callbacks.
func NewQueue(logger *slog.Logger, allocator *memory.Allocator, callbacks *driver.AllocationCallbacks) *Queue {
	return &Queue{
		logger:    logger,
		allocator: allocator,
		callbacks: callbacks,
	}
}

// Len returns the number of pending destructions
func (q *Queue) Len() int {
	return len(q.tasks)
}

// DestroyBufferLater schedules a buffer created by this queue's allocator for
// destruction at the next Flush
func (q *Queue) DestroyBufferLater(buffer *memory.Buffer) {
	q.tasks = append(q.tasks, task{kind: taskDestroyBuffer, buffer: buffer})
}

// DestroyImageLater schedules an image created by this queue's allocator for destruction
// at the next Flush
func (q *Queue) DestroyImageLater(image *memory.Image) {
	q.tasks = append(q.tasks, task{kind: taskDestroyImage, image: image})
}

// DestroyImageViewLater schedules a bare image view for destruction at the next Flush
func (q *Queue) DestroyImageViewLater(view core1_0.ImageView) {
	q.tasks = append(q.tasks, task{kind: taskDestroyImageView, imageView: view})
}

// DestroySamplerLater schedules a sampler for destruction at the next Flush
func (q *Queue) DestroySamplerLater(sampler core1_0.Sampler) {
	q.tasks = append(q.tasks, task{kind: taskDestroySampler, sampler: sampler})
}

// DestroyDescriptorPoolLater schedules a descriptor pool for destruction at the next
// Flush. Sets allocated from the pool die with it.
func (q *Queue) DestroyDescriptorPoolLater(pool core1_0.DescriptorPool) {
	q.tasks = append(q.tasks, task{kind: taskDestroyDescriptorPool, descriptorPool: pool})
}

// DestroyPipelineLater schedules a pipeline for destruction at the next Flush
func (q *Queue) DestroyPipelineLater(pipeline core1_0.Pipeline) {
	q.tasks = append(q.tasks, task{kind: taskDestroyPipeline, pipeline: pipeline})
}

// DestroyPipelineLayoutLater schedules a pipeline layout for destruction at the next Flush
func (q *Queue) DestroyPipelineLayoutLater(layout core1_0.PipelineLayout) {
	q.tasks = append(q.tasks, task{kind: taskDestroyPipelineLayout, pipelineLayout: layout})
}

// DestroyDescriptorSetLayoutLater schedules a descriptor set layout for destruction at
// the next Flush
func (q *Queue) DestroyDescriptorSetLayoutLater(layout core1_0.DescriptorSetLayout) {
	q.tasks = append(q.tasks, task{kind: taskDestroyDescriptorSetLayout, descriptorSetLayout: layout})
}

func (q *Queue) execute(pending task) error {
	switch pending.kind {
	case taskDestroyBuffer:
		return q.allocator.DestroyBuffer(pending.buffer)
	case taskDestroyImage:
		return q.allocator.DestroyImage(pending.image)
	case taskDestroyImageView:
		pending.imageView.Destroy(q.callbacks)
	case taskDestroySampler:
		pending.sampler.Destroy(q.callbacks)
	case taskDestroyDescriptorPool:
		pending.descriptorPool.Destroy(q.callbacks)
	case taskDestroyPipeline:
		pending.pipeline.Destroy(q.callbacks)
	case taskDestroyPipelineLayout:
		pending.pipelineLayout.Destroy(q.callbacks)
	case taskDestroyDescriptorSetLayout:
		pending.descriptorSetLayout.Destroy(q.callbacks)
	}
	return nil
}

// Flush destroys every pending resource in enqueue order and empties the queue. The
// caller must guarantee the GPU is done with everything in the queue, by waiting on the
// owning frame's fence or idling the device.
//
// Object destruction does not fail in normal operation: a failure here means an earlier
// double-destroy or use-after-free, so Flush stops at the first failing task and returns
// its error. The queue is cleared regardless; the engine is not expected to continue
// after a flush failure.
func (q *Queue) Flush() error {
	if len(q.tasks) == 0 {
		return nil
	}

	q.logger.Debug("Queue::Flush", slog.Int("pending", len(q.tasks)))

	// Detach rather than truncate: a destroy that enqueues more work must not write
	// into the slice being iterated
	tasks := q.tasks
	q.tasks = nil

	for _, pending := range tasks {
		err := q.execute(pending)
		if err != nil {
			return errors.Wrapf(err, "deferred %s failed", pending.kind)
		}
	}

	return nil
}
