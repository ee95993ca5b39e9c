package metadata

import (
	"testing"
	"time"
)

func newTestMemoryKV(t *testing.T) *MemoryKV {
	kv, err := NewMemoryKV()
	if err != nil {
		t.Fatalf("Failed to create MemoryKV: %v", err)
	}
	return kv
}

func TestMemoryKV_Contract(t *testing.T) {
	runKVContract(t, newTestMemoryKV(t))
}

func TestMemoryKV_AllocatorUnique(t *testing.T) {
	runAllocatorUnique(t, newTestMemoryKV(t))
}

func TestMemoryKV_Manager(t *testing.T) {
	runManagerContract(t, NewKVManager(newTestMemoryKV(t), "/meshstor-test", time.Second))
}
