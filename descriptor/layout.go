package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// LayoutBuilder accumulates descriptor bindings and produces a DescriptorSetLayout. It
// is a value type: AddBinding returns a new builder rather than mutating in place, so a
// partially-built layout can be shared and extended along divergent paths safely.
//
//	layout, _, err := descriptor.NewLayoutBuilder().
//		AddBinding(0, core1_0.DescriptorTypeUniformBuffer).
//		AddBinding(1, core1_0.DescriptorTypeCombinedImageSampler).
//		Build(device, nil, core1_0.StageFragment, 0)
type LayoutBuilder struct {
	bindings []core1_0.DescriptorSetLayoutBinding
}

// NewLayoutBuilder returns an empty LayoutBuilder
func NewLayoutBuilder() LayoutBuilder {
	return LayoutBuilder{}
}

// AddBinding returns a copy of this builder with a single-descriptor binding of the
// provided type appended
func (b LayoutBuilder) AddBinding(binding int, descriptorType core1_0.DescriptorType) LayoutBuilder {
	newBindings := make([]core1_0.DescriptorSetLayoutBinding, len(b.bindings), len(b.bindings)+1)
	copy(newBindings, b.bindings)

	return LayoutBuilder{
		bindings: append(newBindings, core1_0.DescriptorSetLayoutBinding{
			Binding:         binding,
			DescriptorType:  descriptorType,
			DescriptorCount: 1,
		}),
	}
}

// Build creates a DescriptorSetLayout from the accumulated bindings. Every binding is
// given the provided shader stages.
func (b LayoutBuilder) Build(
	device core1_0.Device,
	callbacks *driver.AllocationCallbacks,
	stages core1_0.ShaderStageFlags,
	flags core1_0.DescriptorSetLayoutCreateFlags,
) (core1_0.DescriptorSetLayout, common.VkResult, error) {
	if len(b.bindings) == 0 {
		return nil, core1_0.VKErrorUnknown, errors.New("attempted to build a descriptor set layout with no bindings")
	}

	bindings := make([]core1_0.DescriptorSetLayoutBinding, len(b.bindings))
	copy(bindings, b.bindings)
	for i := range bindings {
		bindings[i].StageFlags |= stages
	}

	layout, res, err := device.CreateDescriptorSetLayout(callbacks, core1_0.DescriptorSetLayoutCreateInfo{
		Flags:    flags,
		Bindings: bindings,
	})
	if err != nil {
		return nil, res, errors.Wrap(err, "failed to create a descriptor set layout")
	}

	return layout, res, nil
}
