package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// SetDetails pairs a descriptor set with the layout it was allocated against. The
// layout is owned by the caller and outlives the set; route it into a deletion queue
// when the pipeline using it is torn down.
type SetDetails struct {
	Layout core1_0.DescriptorSetLayout
	Set    core1_0.DescriptorSet
}

// WriteBufferDescriptor builds a single-binding layout for descriptorType, allocates a
// set against it, and points binding 0 at the provided buffer range, all in one call.
// For sets with more than one binding, compose LayoutBuilder, Allocate, and Writer
// directly.
func (a *Allocator) WriteBufferDescriptor(
	descriptorType core1_0.DescriptorType,
	stages core1_0.ShaderStageFlags,
	buffer core1_0.Buffer,
	offset int,
	size int,
) (SetDetails, error) {
	layout, _, err := NewLayoutBuilder().
		AddBinding(0, descriptorType).
		Build(a.device, a.callbacks, stages, 0)
	if err != nil {
		return SetDetails{}, err
	}

	set, err := a.Allocate(layout)
	if err != nil {
		layout.Destroy(a.callbacks)
		return SetDetails{}, err
	}

	var writer Writer
	writer.WriteBuffer(0, descriptorType, buffer, offset, size)
	err = writer.UpdateSet(a.device, set)
	if err != nil {
		layout.Destroy(a.callbacks)
		return SetDetails{}, errors.Wrap(err, "failed to write a buffer descriptor into a fresh set")
	}

	return SetDetails{Layout: layout, Set: set}, nil
}

// WriteImageDescriptor builds a single-binding layout for descriptorType, allocates a
// set against it, and points binding 0 at the provided image view. Sampler may be nil
// for non-sampled descriptor types.
func (a *Allocator) WriteImageDescriptor(
	descriptorType core1_0.DescriptorType,
	stages core1_0.ShaderStageFlags,
	view core1_0.ImageView,
	sampler core1_0.Sampler,
	imageLayout core1_0.ImageLayout,
) (SetDetails, error) {
	layout, _, err := NewLayoutBuilder().
		AddBinding(0, descriptorType).
		Build(a.device, a.callbacks, stages, 0)
	if err != nil {
		return SetDetails{}, err
	}

	set, err := a.Allocate(layout)
	if err != nil {
		layout.Destroy(a.callbacks)
		return SetDetails{}, err
	}

	var writer Writer
	writer.WriteImage(0, descriptorType, view, sampler, imageLayout)
	err = writer.UpdateSet(a.device, set)
	if err != nil {
		layout.Destroy(a.callbacks)
		return SetDetails{}, errors.Wrap(err, "failed to write an image descriptor into a fresh set")
	}

	return SetDetails{Layout: layout, Set: set}, nil
}
