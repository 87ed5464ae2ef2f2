package forge

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
)

// ContextOptions collects the Vulkan handles a Context is built from. The caller
// creates the instance and device, typically with a windowing integration choosing the
// physical device and queue families, and hands them over here.
type ContextOptions struct {
	Instance       core1_0.Instance
	PhysicalDevice core1_0.PhysicalDevice
	Device         core1_0.Device

	GraphicsQueue            core1_0.Queue
	GraphicsQueueFamilyIndex int

	// PresentQueue may be left nil when the graphics queue family can present, in which
	// case the graphics queue presents
	PresentQueue            core1_0.Queue
	PresentQueueFamilyIndex int

	AllocationCallbacks *driver.AllocationCallbacks
}

// Context is the ownership root for the GPU handles every other component borrows.
// Exactly one Context owns the instance and device; collaborators receive the Context
// by pointer and must not outlive it. Destroy tears the handles down in reverse
// construction order, which makes shutdown ordering explicit rather than a property of
// whichever component happens to be released last.
type Context struct {
	logger *slog.Logger

	instance       core1_0.Instance
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device

	graphicsQueue       core1_0.Queue
	graphicsFamilyIndex int
	presentQueue        core1_0.Queue
	presentFamilyIndex  int

	callbacks          *driver.AllocationCallbacks
	swapchainExtension khr_swapchain.Extension
}

// NewContext creates a Context from caller-provided handles. The Context takes
// ownership: the caller must not destroy the instance or device directly afterward.
func NewContext(logger *slog.Logger, o ContextOptions) (*Context, error) {
	if logger == nil {
		return nil, errors.New("forge.NewContext: logger cannot be nil")
	}
	if o.Instance == nil || o.PhysicalDevice == nil || o.Device == nil {
		return nil, errors.New("forge.NewContext: instance, physical device, and device are required")
	}
	if o.GraphicsQueue == nil {
		return nil, errors.New("forge.NewContext: a graphics queue is required")
	}

	presentQueue := o.PresentQueue
	presentFamily := o.PresentQueueFamilyIndex
	if presentQueue == nil {
		presentQueue = o.GraphicsQueue
		presentFamily = o.GraphicsQueueFamilyIndex
	}

	swapchainExtension := khr_swapchain.CreateExtensionFromDevice(o.Device)
	if swapchainExtension == nil {
		return nil, errors.Newf("forge.NewContext: the device was created without %s", khr_swapchain.ExtensionName)
	}

	return &Context{
		logger: logger,

		instance:       o.Instance,
		physicalDevice: o.PhysicalDevice,
		device:         o.Device,

		graphicsQueue:       o.GraphicsQueue,
		graphicsFamilyIndex: o.GraphicsQueueFamilyIndex,
		presentQueue:        presentQueue,
		presentFamilyIndex:  presentFamily,

		callbacks:          o.AllocationCallbacks,
		swapchainExtension: swapchainExtension,
	}, nil
}

// Instance returns the owned Vulkan instance
func (c *Context) Instance() core1_0.Instance { return c.instance }

// PhysicalDevice returns the physical device the owned device was created from
func (c *Context) PhysicalDevice() core1_0.PhysicalDevice { return c.physicalDevice }

// Device returns the owned logical device
func (c *Context) Device() core1_0.Device { return c.device }

// GraphicsQueue returns the queue frame work is submitted to
func (c *Context) GraphicsQueue() core1_0.Queue { return c.graphicsQueue }

// GraphicsQueueFamilyIndex returns the family index of the graphics queue
func (c *Context) GraphicsQueueFamilyIndex() int { return c.graphicsFamilyIndex }

// PresentQueue returns the queue present requests are submitted to. It may be the same
// queue as GraphicsQueue.
func (c *Context) PresentQueue() core1_0.Queue { return c.presentQueue }

// PresentQueueFamilyIndex returns the family index of the present queue
func (c *Context) PresentQueueFamilyIndex() int { return c.presentFamilyIndex }

// AllocationCallbacks returns the CPU-side allocation callbacks shared by every
// component, possibly nil
func (c *Context) AllocationCallbacks() *driver.AllocationCallbacks { return c.callbacks }

// SwapchainExtension returns the khr_swapchain extension loaded for the owned device
func (c *Context) SwapchainExtension() khr_swapchain.Extension { return c.swapchainExtension }

// WaitIdle blocks until the device finishes all submitted work
func (c *Context) WaitIdle() error {
	_, err := c.device.WaitIdle()
	if err != nil {
		return errors.Wrap(err, "failed to wait for the device to idle")
	}
	return nil
}

// Destroy destroys the device and then the instance. Everything created against them
// must already be gone.
func (c *Context) Destroy() {
	c.logger.Debug("Context::Destroy")
	c.device.Destroy(c.callbacks)
	c.instance.Destroy(c.callbacks)
}
