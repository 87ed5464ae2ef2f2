package descriptor

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func expectPoolCreation(ctrl *gomock.Controller, device *mocks.MockDevice, maxSets int) *mocks.MockDescriptorPool {
	pool := mocks.NewMockDescriptorPool(ctrl)
	device.EXPECT().CreateDescriptorPool(gomock.Any(), core1_0.DescriptorPoolCreateInfo{
		MaxSets: maxSets,
		PoolSizes: []core1_0.DescriptorPoolSize{
			{
				Type:            core1_0.DescriptorTypeUniformBuffer,
				DescriptorCount: maxSets,
			},
		},
	}).Return(pool, core1_0.VKSuccess, nil)
	return pool
}

func expectSetAllocation(ctrl *gomock.Controller, device *mocks.MockDevice, pool *mocks.MockDescriptorPool, layout core1_0.DescriptorSetLayout) *mocks.MockDescriptorSet {
	set := mocks.NewMockDescriptorSet(ctrl)
	device.EXPECT().AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	}).Return([]core1_0.DescriptorSet{set}, core1_0.VKSuccess, nil)
	return set
}

func expectSetExhaustion(device *mocks.MockDevice, pool *mocks.MockDescriptorPool, layout core1_0.DescriptorSetLayout) {
	device.EXPECT().AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     []core1_0.DescriptorSetLayout{layout},
	}).Return(nil, core1_1.VkErrorOutOfPoolMemory, core1_1.VkErrorOutOfPoolMemory.ToError())
}

func uniformRatios() []PoolSizeRatio {
	return []PoolSizeRatio{
		{Type: core1_0.DescriptorTypeUniformBuffer, Ratio: 1},
	}
}

func TestAllocateGrowsPoolsGeometrically(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 10)

	allocator, err := NewAllocator(testLogger(), device, nil, 10, uniformRatios())
	require.NoError(t, err)
	require.Equal(t, 1, allocator.PoolCount())

	// First exhaustion retires the initial pool and grows a fresh one at 1.5x
	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 15)
	expectSetAllocation(ctrl, device, pool2, layout)

	set, err := allocator.Allocate(layout)
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Equal(t, 2, allocator.PoolCount())

	// Second exhaustion grows again from the last created size
	expectSetExhaustion(device, pool2, layout)
	pool3 := expectPoolCreation(ctrl, device, 22)
	expectSetAllocation(ctrl, device, pool3, layout)

	set, err = allocator.Allocate(layout)
	require.NoError(t, err)
	require.NotNil(t, set)
	require.Equal(t, 3, allocator.PoolCount())
}

func TestAllocateFailsAfterRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 10)

	allocator, err := NewAllocator(testLogger(), device, nil, 10, uniformRatios())
	require.NoError(t, err)

	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 15)
	expectSetExhaustion(device, pool2, layout)

	_, err = allocator.Allocate(layout)
	require.Error(t, err)

	// The failing pool stays tracked; nothing is lost from the pool sets
	require.Equal(t, 2, allocator.PoolCount())
	require.Equal(t, allocator.PoolCount(), len(allocator.readyPools)+len(allocator.fullPools))
}

func TestPoolGrowthObservableFromSingleSetPool(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 1)

	allocator, err := NewAllocator(testLogger(), device, nil, 1, uniformRatios())
	require.NoError(t, err)
	require.Equal(t, 1, allocator.PoolCount())

	expectSetAllocation(ctrl, device, pool1, layout)
	first, err := allocator.Allocate(layout)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 1, allocator.PoolCount())

	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 1)
	expectSetAllocation(ctrl, device, pool2, layout)

	second, err := allocator.Allocate(layout)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, 2, allocator.PoolCount())
}

func TestPoolsAreInExactlyOneSet(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 10)

	allocator, err := NewAllocator(testLogger(), device, nil, 10, uniformRatios())
	require.NoError(t, err)

	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 15)
	expectSetAllocation(ctrl, device, pool2, layout)

	_, err = allocator.Allocate(layout)
	require.NoError(t, err)

	seen := map[core1_0.DescriptorPool]int{}
	for _, pool := range allocator.readyPools {
		seen[pool]++
	}
	for _, pool := range allocator.fullPools {
		seen[pool]++
	}
	require.Len(t, seen, allocator.PoolCount())
	for _, count := range seen {
		require.Equal(t, 1, count)
	}
	require.Contains(t, allocator.fullPools, core1_0.DescriptorPool(pool1))
	require.Contains(t, allocator.readyPools, core1_0.DescriptorPool(pool2))
}

func TestResetPoolsMergesFullIntoReady(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 10)

	allocator, err := NewAllocator(testLogger(), device, nil, 10, uniformRatios())
	require.NoError(t, err)

	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 15)
	expectSetAllocation(ctrl, device, pool2, layout)

	_, err = allocator.Allocate(layout)
	require.NoError(t, err)
	require.Len(t, allocator.fullPools, 1)

	pool1.EXPECT().Reset(core1_0.DescriptorPoolResetFlags(0)).Return(core1_0.VKSuccess, nil)
	pool2.EXPECT().Reset(core1_0.DescriptorPoolResetFlags(0)).Return(core1_0.VKSuccess, nil)

	require.NoError(t, allocator.ResetPools())
	require.Len(t, allocator.fullPools, 0)
	require.Len(t, allocator.readyPools, 2)
	require.Equal(t, 2, allocator.PoolCount())
}

func TestDestroyPoolsDestroysEverything(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mocks.NewMockDevice(ctrl)
	layout := mocks.NewMockDescriptorSetLayout(ctrl)

	pool1 := expectPoolCreation(ctrl, device, 10)

	allocator, err := NewAllocator(testLogger(), device, nil, 10, uniformRatios())
	require.NoError(t, err)

	expectSetExhaustion(device, pool1, layout)
	pool2 := expectPoolCreation(ctrl, device, 15)
	expectSetAllocation(ctrl, device, pool2, layout)

	_, err = allocator.Allocate(layout)
	require.NoError(t, err)

	pool1.EXPECT().Destroy(gomock.Any())
	pool2.EXPECT().Destroy(gomock.Any())

	allocator.DestroyPools()
	require.Equal(t, 0, allocator.PoolCount())
}
