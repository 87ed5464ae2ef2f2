package memory

import (
	"log/slog"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/vam"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ImageOptions describes a 2D image to be created with CreateImage
type ImageOptions struct {
	// Name is an optional debug name attached to the underlying allocation and reported
	// in allocator statistics
	Name string
	// Extent is the image's dimensions. Depth must be 1.
	Extent core1_0.Extent3D
	// Format is the image's texel format
	Format core1_0.Format
	// Usage is the set of ways the image will be used
	Usage core1_0.ImageUsageFlags
	// Aspect selects the aspect the image's view exposes, typically
	// core1_0.ImageAspectColor or core1_0.ImageAspectDepth
	Aspect core1_0.ImageAspectFlags
	// Mipmapped requests a full mip chain sized from the extent rather than a single
	// mip level
	Mipmapped bool
}

// Image is a core1_0.Image together with the allocation backing it and a view covering
// the whole subresource range. The three are created and destroyed as a unit through
// Allocator.
type Image struct {
	id         uint64
	image      core1_0.Image
	view       core1_0.ImageView
	allocation vam.Allocation

	extent    core1_0.Extent3D
	format    core1_0.Format
	mipLevels int
}

// Handle returns the wrapped core1_0.Image
func (i *Image) Handle() core1_0.Image { return i.image }

// View returns the image view covering the image's full subresource range
func (i *Image) View() core1_0.ImageView { return i.view }

// Allocation returns the vam.Allocation backing this image
func (i *Image) Allocation() *vam.Allocation { return &i.allocation }

// Extent returns the image's dimensions
func (i *Image) Extent() core1_0.Extent3D { return i.extent }

// Format returns the image's texel format
func (i *Image) Format() core1_0.Format { return i.format }

// MipLevels returns the number of mip levels the image was created with
func (i *Image) MipLevels() int { return i.mipLevels }

func mipLevelsFor(extent core1_0.Extent3D) int {
	largest := extent.Width
	if extent.Height > largest {
		largest = extent.Height
	}
	if largest < 1 {
		largest = 1
	}
	return bits.Len(uint(largest))
}

// CreateImage creates a 2D device-local image, allocates and binds memory for it, and
// creates a view covering all of its mip levels
func (a *Allocator) CreateImage(o ImageOptions) (*Image, common.VkResult, error) {
	if o.Extent.Width < 1 || o.Extent.Height < 1 || o.Extent.Depth != 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid image extent %dx%dx%d: width and height must be positive and depth must be 1", o.Extent.Width, o.Extent.Height, o.Extent.Depth)
	}

	mipLevels := 1
	if o.Mipmapped {
		mipLevels = mipLevelsFor(o.Extent)
	}

	image, res, err := a.device.CreateImage(a.callbacks, core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Format:        o.Format,
		Extent:        o.Extent,
		MipLevels:     mipLevels,
		ArrayLayers:   1,
		Samples:       core1_0.Samples1,
		Tiling:        core1_0.ImageTilingOptimal,
		Usage:         o.Usage,
		SharingMode:   core1_0.SharingModeExclusive,
		InitialLayout: core1_0.ImageLayoutUndefined,
	})
	if err != nil {
		return nil, res, errors.Wrapf(err, "failed to create a %dx%d image", o.Extent.Width, o.Extent.Height)
	}

	var allocation vam.Allocation
	res, err = a.vma.AllocateMemoryForImage(image, vam.AllocationCreateInfo{
		Usage:         vam.MemoryUsageAutoPreferDevice,
		RequiredFlags: core1_0.MemoryPropertyDeviceLocal,
		UserData:      o.Name,
	}, &allocation)
	if err != nil {
		image.Destroy(a.callbacks)
		return nil, res, errors.Wrapf(err, "failed to allocate memory for a %dx%d image", o.Extent.Width, o.Extent.Height)
	}
	if o.Name != "" {
		allocation.SetName(o.Name)
	}

	res, err = allocation.BindImageMemory(image)
	if err != nil {
		_ = allocation.Free()
		image.Destroy(a.callbacks)
		return nil, res, errors.Wrap(err, "failed to bind allocated memory to a new image")
	}

	view, res, err := a.device.CreateImageView(a.callbacks, core1_0.ImageViewCreateInfo{
		Image:    image,
		ViewType: core1_0.ImageViewType2D,
		Format:   o.Format,
		SubresourceRange: core1_0.ImageSubresourceRange{
			AspectMask:     o.Aspect,
			BaseMipLevel:   0,
			LevelCount:     mipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	})
	if err != nil {
		_ = allocation.DestroyImage(image)
		return nil, res, errors.Wrap(err, "failed to create a view for a new image")
	}

	outImage := &Image{
		image:      image,
		view:       view,
		allocation: allocation,
		extent:     o.Extent,
		format:     o.Format,
		mipLevels:  mipLevels,
	}

	outImage.id = a.register(allocationKindImage, o.Name, allocation.Size())
	a.logger.Debug("Allocator::CreateImage",
		slog.Uint64("id", outImage.id),
		slog.String("name", o.Name),
		slog.Int("width", o.Extent.Width),
		slog.Int("height", o.Extent.Height),
		slog.Int("mipLevels", mipLevels),
	)

	return outImage, core1_0.VKSuccess, nil
}

// DestroyImage destroys the image's view, then the image itself, and frees its backing
// allocation. The image must have been created by this allocator and must not be
// destroyed twice.
func (a *Allocator) DestroyImage(i *Image) error {
	if i == nil {
		return errors.New("attempted to destroy a nil image")
	}
	if i.image == nil {
		return errors.New("attempted to destroy an image twice")
	}

	i.view.Destroy(a.callbacks)

	err := i.allocation.DestroyImage(i.image)
	if err != nil {
		return errors.Wrap(err, "failed to destroy an image and free its allocation")
	}

	a.unregister(i.id)
	a.logger.Debug("Allocator::DestroyImage", slog.Uint64("id", i.id))
	i.image = nil
	i.view = nil
	return nil
}
