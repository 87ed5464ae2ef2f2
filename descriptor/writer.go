package descriptor

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Writer batches descriptor writes so a set can be populated with a single
// UpdateDescriptorSets call. The zero value is ready to use; a Writer can be reused
// across sets by calling Clear between them.
type Writer struct {
	writes []core1_0.WriteDescriptorSet
}

// WriteBuffer queues a buffer descriptor write against the provided binding
func (w *Writer) WriteBuffer(binding int, descriptorType core1_0.DescriptorType, buffer core1_0.Buffer, offset int, size int) {
	w.writes = append(w.writes, core1_0.WriteDescriptorSet{
		DstBinding:      binding,
		DstArrayElement: 0,
		DescriptorType:  descriptorType,
		BufferInfo: []core1_0.DescriptorBufferInfo{
			{
				Buffer: buffer,
				Offset: offset,
				Range:  size,
			},
		},
	})
}

// WriteImage queues an image descriptor write against the provided binding. Sampler may
// be nil for sampled-image and storage-image descriptors.
func (w *Writer) WriteImage(binding int, descriptorType core1_0.DescriptorType, view core1_0.ImageView, sampler core1_0.Sampler, layout core1_0.ImageLayout) {
	w.writes = append(w.writes, core1_0.WriteDescriptorSet{
		DstBinding:      binding,
		DstArrayElement: 0,
		DescriptorType:  descriptorType,
		ImageInfo: []core1_0.DescriptorImageInfo{
			{
				ImageView:   view,
				Sampler:     sampler,
				ImageLayout: layout,
			},
		},
	})
}

// Clear discards all queued writes
func (w *Writer) Clear() {
	w.writes = w.writes[:0]
}

// UpdateSet points every queued write at the provided set and applies them in one
// UpdateDescriptorSets call. The queued writes are retained; call Clear to reuse the
// Writer for a different set's contents.
func (w *Writer) UpdateSet(device core1_0.Device, set core1_0.DescriptorSet) error {
	if len(w.writes) == 0 {
		return errors.New("attempted to update a descriptor set with no queued writes")
	}

	for i := range w.writes {
		w.writes[i].DstSet = set
	}

	err := device.UpdateDescriptorSets(w.writes, nil)
	if err != nil {
		return errors.Wrap(err, "failed to update a descriptor set")
	}
	return nil
}
