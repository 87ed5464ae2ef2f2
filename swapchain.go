package forge

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// SwapchainOptions tunes swapchain creation. The zero value produces a B8G8R8A8 sRGB
// swapchain that prefers mailbox presentation and falls back to FIFO.
type SwapchainOptions struct {
	// PreferredFormat is chosen when the surface offers it. Defaults to
	// core1_0.FormatB8G8R8A8SRGB with sRGB nonlinear color.
	PreferredFormat core1_0.Format
	// PreferredPresentMode is chosen when the surface offers it; FIFO is the fallback,
	// since it is the only mode the API guarantees
	PreferredPresentMode khr_surface.PresentMode
	// ImageUsage defaults to core1_0.ImageUsageColorAttachment
	ImageUsage core1_0.ImageUsageFlags
	// DrawableSize reports the surface's current pixel dimensions. It is consulted only
	// when the surface does not dictate an extent, as happens on some window systems.
	DrawableSize func() (width, height int)
}

// Swapchain wraps a khr_swapchain.Swapchain together with the images and views created
// from it, and rebuilds all three when the surface changes
type Swapchain struct {
	ctx     *Context
	surface khr_surface.Surface
	options SwapchainOptions

	chain  khr_swapchain.Swapchain
	images []core1_0.Image
	views  []core1_0.ImageView

	format core1_0.Format
	extent core1_0.Extent2D
}

// NewSwapchain builds a swapchain over the provided surface. The surface is borrowed,
// not owned: the caller destroys it after the Swapchain.
func NewSwapchain(ctx *Context, surface khr_surface.Surface, options SwapchainOptions) (*Swapchain, error) {
	if surface == nil {
		return nil, errors.New("forge.NewSwapchain: surface cannot be nil")
	}

	if options.PreferredFormat == 0 {
		options.PreferredFormat = core1_0.FormatB8G8R8A8SRGB
	}
	if options.PreferredPresentMode == 0 {
		options.PreferredPresentMode = khr_surface.PresentModeMailbox
	}
	if options.ImageUsage == 0 {
		options.ImageUsage = core1_0.ImageUsageColorAttachment
	}

	swapchain := &Swapchain{
		ctx:     ctx,
		surface: surface,
		options: options,
	}

	err := swapchain.build(nil)
	if err != nil {
		return nil, err
	}
	return swapchain, nil
}

func (s *Swapchain) chooseFormat(available []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range available {
		if format.Format == s.options.PreferredFormat && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return available[0]
}

func (s *Swapchain) choosePresentMode(available []khr_surface.PresentMode) khr_surface.PresentMode {
	for _, presentMode := range available {
		if presentMode == s.options.PreferredPresentMode {
			return presentMode
		}
	}
	return khr_surface.PresentModeFIFO
}

func (s *Swapchain) chooseExtent(capabilities *khr_surface.SurfaceCapabilities) core1_0.Extent2D {
	if capabilities.CurrentExtent.Width != -1 {
		return capabilities.CurrentExtent
	}

	width, height := 1, 1
	if s.options.DrawableSize != nil {
		width, height = s.options.DrawableSize()
	}

	if width < capabilities.MinImageExtent.Width {
		width = capabilities.MinImageExtent.Width
	}
	if width > capabilities.MaxImageExtent.Width {
		width = capabilities.MaxImageExtent.Width
	}
	if height < capabilities.MinImageExtent.Height {
		height = capabilities.MinImageExtent.Height
	}
	if height > capabilities.MaxImageExtent.Height {
		height = capabilities.MaxImageExtent.Height
	}

	return core1_0.Extent2D{Width: width, Height: height}
}

func (s *Swapchain) build(oldChain khr_swapchain.Swapchain) error {
	capabilities, _, err := s.surface.PhysicalDeviceSurfaceCapabilities(s.ctx.PhysicalDevice())
	if err != nil {
		return errors.Wrap(err, "failed to query surface capabilities")
	}
	formats, _, err := s.surface.PhysicalDeviceSurfaceFormats(s.ctx.PhysicalDevice())
	if err != nil {
		return errors.Wrap(err, "failed to query surface formats")
	}
	presentModes, _, err := s.surface.PhysicalDeviceSurfacePresentModes(s.ctx.PhysicalDevice())
	if err != nil {
		return errors.Wrap(err, "failed to query surface present modes")
	}
	if len(formats) == 0 || len(presentModes) == 0 {
		return errors.New("the surface offers no formats or no present modes")
	}

	surfaceFormat := s.chooseFormat(formats)
	presentMode := s.choosePresentMode(presentModes)
	extent := s.chooseExtent(capabilities)

	imageCount := capabilities.MinImageCount + 1
	if capabilities.MaxImageCount > 0 && imageCount > capabilities.MaxImageCount {
		imageCount = capabilities.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	if s.ctx.GraphicsQueueFamilyIndex() != s.ctx.PresentQueueFamilyIndex() {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = []int{s.ctx.GraphicsQueueFamilyIndex(), s.ctx.PresentQueueFamilyIndex()}
	}

	chain, _, err := s.ctx.SwapchainExtension().CreateSwapchain(s.ctx.Device(), s.ctx.AllocationCallbacks(), khr_swapchain.SwapchainCreateInfo{
		Surface: s.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       s.options.ImageUsage,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   capabilities.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,

		OldSwapchain: oldChain,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create a swapchain")
	}

	images, _, err := chain.SwapchainImages()
	if err != nil {
		chain.Destroy(s.ctx.AllocationCallbacks())
		return errors.Wrap(err, "failed to retrieve swapchain images")
	}

	views := make([]core1_0.ImageView, 0, len(images))
	for _, image := range images {
		view, _, err := s.ctx.Device().CreateImageView(s.ctx.AllocationCallbacks(), core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   surfaceFormat.Format,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask: core1_0.ImageAspectColor,
				LevelCount: 1,
				LayerCount: 1,
			},
		})
		if err != nil {
			for _, created := range views {
				created.Destroy(s.ctx.AllocationCallbacks())
			}
			chain.Destroy(s.ctx.AllocationCallbacks())
			return errors.Wrap(err, "failed to create a swapchain image view")
		}
		views = append(views, view)
	}

	s.chain = chain
	s.images = images
	s.views = views
	s.format = surfaceFormat.Format
	s.extent = extent

	s.ctx.logger.Debug("Swapchain::build",
		slog.Int("imageCount", len(images)),
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
	)
	return nil
}

func (s *Swapchain) destroyChain() {
	for _, view := range s.views {
		view.Destroy(s.ctx.AllocationCallbacks())
	}
	s.views = nil
	s.images = nil

	if s.chain != nil {
		s.chain.Destroy(s.ctx.AllocationCallbacks())
		s.chain = nil
	}
}

// Recreate rebuilds the swapchain against the surface's current state. The device must
// be idle: callers reach this through Renderer.RecreateSwapchain, which idles first.
func (s *Swapchain) Recreate() error {
	oldChain := s.chain

	for _, view := range s.views {
		view.Destroy(s.ctx.AllocationCallbacks())
	}
	s.views = nil
	s.images = nil
	s.chain = nil

	err := s.build(oldChain)
	if oldChain != nil {
		oldChain.Destroy(s.ctx.AllocationCallbacks())
	}
	return err
}

// Format returns the format of the swapchain's images
func (s *Swapchain) Format() core1_0.Format { return s.format }

// Extent returns the dimensions of the swapchain's images
func (s *Swapchain) Extent() core1_0.Extent2D { return s.extent }

// ImageCount returns the number of images in the swapchain
func (s *Swapchain) ImageCount() int { return len(s.images) }

// Image returns the swapchain image at the provided index
func (s *Swapchain) Image(index int) core1_0.Image { return s.images[index] }

// View returns the image view for the swapchain image at the provided index
func (s *Swapchain) View(index int) core1_0.ImageView { return s.views[index] }

// AcquireNextImage requests the index of the next presentable image, signaling the
// provided semaphore when the image is actually available
func (s *Swapchain) AcquireNextImage(timeout time.Duration, semaphore core1_0.Semaphore) (int, common.VkResult, error) {
	return s.chain.AcquireNextImage(timeout, semaphore, nil)
}

// Present submits a present request for the image at imageIndex, gated on waitSemaphore
func (s *Swapchain) Present(queue core1_0.Queue, waitSemaphore core1_0.Semaphore, imageIndex int) (common.VkResult, error) {
	return s.ctx.SwapchainExtension().QueuePresent(queue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{waitSemaphore},
		Swapchains:     []khr_swapchain.Swapchain{s.chain},
		ImageIndices:   []int{imageIndex},
	})
}

// Destroy destroys the swapchain's image views and the swapchain itself. The surface is
// the caller's to destroy.
func (s *Swapchain) Destroy() {
	s.destroyChain()
}
