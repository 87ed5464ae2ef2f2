package descriptor

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
)

// maxSetsPerPool caps pool growth so a single pool never becomes unreasonably large
const maxSetsPerPool = 4092

// PoolSizeRatio expresses how many descriptors of a given type each set allocated from
// a pool is expected to consume, on average. A pool sized for n sets reserves
// n*Ratio descriptors of Type.
type PoolSizeRatio struct {
	Type  core1_0.DescriptorType
	Ratio float64
}

// Allocator hands out descriptor sets from a collection of descriptor pools that grows
// as demand requires. Pools are partitioned into a ready list, which may still have
// room, and a full list, which produced an out-of-space failure and will not be offered
// sets again until the next ResetPools. Each newly-created pool is half again larger
// than the last.
//
// Allocator is not internally synchronized.
type Allocator struct {
	logger    *slog.Logger
	device    core1_0.Device
	callbacks *driver.AllocationCallbacks

	ratios      []PoolSizeRatio
	setsPerPool int

	readyPools []core1_0.DescriptorPool
	fullPools  []core1_0.DescriptorPool
}

// NewAllocator creates an Allocator whose first pool holds maxSets descriptor sets,
// sized by the provided ratios
func NewAllocator(
	logger *slog.Logger,
	device core1_0.Device,
	callbacks *driver.AllocationCallbacks,
	maxSets int,
	ratios []PoolSizeRatio,
) (*Allocator, error) {
	if maxSets < 1 {
		return nil, errors.Newf("descriptor allocator requires a positive initial set count, got %d", maxSets)
	}
	if len(ratios) == 0 {
		return nil, errors.New("descriptor allocator requires at least one pool size ratio")
	}

	allocator := &Allocator{
		logger:    logger,
		device:    device,
		callbacks: callbacks,
		ratios:    append([]PoolSizeRatio{}, ratios...),
	}

	firstPool, err := allocator.createPool(maxSets)
	if err != nil {
		return nil, err
	}
	allocator.readyPools = append(allocator.readyPools, firstPool)

	// The next pool to be created grows from the first one's size
	allocator.setsPerPool = grow(maxSets)

	return allocator, nil
}

func grow(setsPerPool int) int {
	grown := setsPerPool + setsPerPool/2
	if grown > maxSetsPerPool {
		return maxSetsPerPool
	}
	return grown
}

func (a *Allocator) createPool(setCount int) (core1_0.DescriptorPool, error) {
	poolSizes := make([]core1_0.DescriptorPoolSize, 0, len(a.ratios))
	for _, ratio := range a.ratios {
		poolSizes = append(poolSizes, core1_0.DescriptorPoolSize{
			Type:            ratio.Type,
			DescriptorCount: int(math.Ceil(ratio.Ratio * float64(setCount))),
		})
	}

	pool, _, err := a.device.CreateDescriptorPool(a.callbacks, core1_0.DescriptorPoolCreateInfo{
		MaxSets:   setCount,
		PoolSizes: poolSizes,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create a descriptor pool for %d sets", setCount)
	}

	a.logger.Debug("Allocator::createPool", slog.Int("maxSets", setCount))
	return pool, nil
}

// getPool returns a pool that may have room, creating a larger one when the ready list
// is empty. The returned pool is removed from the ready list; the caller puts it back
// on readyPools or fullPools depending on how allocation went.
func (a *Allocator) getPool() (core1_0.DescriptorPool, error) {
	count := len(a.readyPools)
	if count > 0 {
		pool := a.readyPools[count-1]
		a.readyPools = a.readyPools[:count-1]
		return pool, nil
	}

	pool, err := a.createPool(a.setsPerPool)
	if err != nil {
		return nil, err
	}
	a.setsPerPool = grow(a.setsPerPool)
	return pool, nil
}

func isPoolExhausted(res common.VkResult) bool {
	return res == core1_1.VkErrorOutOfPoolMemory || res == core1_0.VKErrorFragmentedPool
}

// Allocate returns a descriptor set with the provided layout. When the current pool is
// out of space it is retired to the full list and the allocation is retried against a
// fresh pool; a failure from a fresh pool is returned to the caller.
func (a *Allocator) Allocate(layout core1_0.DescriptorSetLayout) (core1_0.DescriptorSet, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	sets, res, err := a.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	})
	if isPoolExhausted(res) {
		a.fullPools = append(a.fullPools, pool)

		pool, err = a.getPool()
		if err != nil {
			return nil, err
		}

		sets, _, err = a.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
			DescriptorPool: pool,
			SetLayouts:     []core1_0.DescriptorSetLayout{layout},
		})
	}
	if err != nil {
		a.readyPools = append(a.readyPools, pool)
		return nil, errors.Wrap(err, "failed to allocate a descriptor set")
	}

	a.readyPools = append(a.readyPools, pool)
	return sets[0], nil
}

// ResetPools resets every pool this allocator has created and returns them all to the
// ready list. Every descriptor set previously allocated becomes invalid; the caller
// must guarantee the GPU is no longer using any of them.
func (a *Allocator) ResetPools() error {
	for _, pool := range a.fullPools {
		a.readyPools = append(a.readyPools, pool)
	}
	a.fullPools = a.fullPools[:0]

	for _, pool := range a.readyPools {
		_, err := pool.Reset(0)
		if err != nil {
			return errors.Wrap(err, "failed to reset a descriptor pool")
		}
	}

	return nil
}

// DestroyPools destroys every pool this allocator has created. Sets allocated from them
// die with the pools.
func (a *Allocator) DestroyPools() {
	for _, pool := range a.readyPools {
		pool.Destroy(a.callbacks)
	}
	a.readyPools = nil

	for _, pool := range a.fullPools {
		pool.Destroy(a.callbacks)
	}
	a.fullPools = nil
}

// PoolCount returns the total number of descriptor pools this allocator currently owns
func (a *Allocator) PoolCount() int {
	return len(a.readyPools) + len(a.fullPools)
}
