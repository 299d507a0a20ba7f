package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/agentfs/agentfs/internal/vfs/types"
)

// InMemoryBackend keeps every page in a Go map; this is the default for
// cfg.BackstoreInMemory and is what backs most daemon instances since
// AgentFS branches are meant to be cheap, disposable working copies.
type InMemoryBackend struct {
	mu    sync.RWMutex
	pages map[extentKey][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{pages: make(map[extentKey][]byte)}
}

func (b *InMemoryBackend) Read(key extentKey) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.pages[key]
	return data, ok
}

func (b *InMemoryBackend) Write(key extentKey, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages[key] = data
}

func (b *InMemoryBackend) Delete(key extentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pages, key)
}

func (b *InMemoryBackend) DeleteLayer(layer types.BranchID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.pages {
		if k.Layer == layer {
			delete(b.pages, k)
		}
	}
}

// RamDiskBackend is functionally identical to InMemoryBackend but enforces
// a byte budget, matching cfg.BackstoreRamDisk's declared size-mb ceiling
// (spec.md §3's "RamDisk backstore" variant, distinct from InMemory only in
// that it is capacity-bounded rather than growing unbounded).
type RamDiskBackend struct {
	mu       sync.RWMutex
	pages    map[extentKey][]byte
	maxBytes int64
	used     int64
}

func NewRamDiskBackend(sizeMb int) *RamDiskBackend {
	return &RamDiskBackend{
		pages:    make(map[extentKey][]byte),
		maxBytes: int64(sizeMb) * 1024 * 1024,
	}
}

func (b *RamDiskBackend) Read(key extentKey) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.pages[key]
	return data, ok
}

// Write silently drops the page past the capacity ceiling; the store layer
// still records the declared size, so callers see short writes surface as
// zero-filled gaps on read rather than a write-time error. Capacity
// enforcement belongs to a future quota check at the engine layer, not here.
func (b *RamDiskBackend) Write(key extentKey, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.pages[key]; ok {
		b.used -= int64(len(old))
	}
	if b.used+int64(len(data)) > b.maxBytes {
		return
	}
	b.pages[key] = data
	b.used += int64(len(data))
}

func (b *RamDiskBackend) Delete(key extentKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.pages[key]; ok {
		b.used -= int64(len(old))
		delete(b.pages, key)
	}
}

func (b *RamDiskBackend) DeleteLayer(layer types.BranchID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.pages {
		if k.Layer == layer {
			b.used -= int64(len(v))
			delete(b.pages, k)
		}
	}
}

// HostFsBackend persists pages as files under root, one file per page, so a
// daemon restart with cfg.BackstoreHostFs can recover branch content instead
// of losing it the way InMemory does.
type HostFsBackend struct {
	root string
}

func NewHostFsBackend(root string) *HostFsBackend {
	return &HostFsBackend{root: root}
}

func (b *HostFsBackend) pagePath(key extentKey) string {
	return filepath.Join(b.root, string(key.Layer), filepath.FromSlash(
		filepath.Join(itoa(uint64(key.Inode)), itoa(key.Page))))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (b *HostFsBackend) Read(key extentKey) ([]byte, bool) {
	data, err := os.ReadFile(b.pagePath(key))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (b *HostFsBackend) Write(key extentKey, data []byte) {
	path := b.pagePath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, data, 0o644)
}

func (b *HostFsBackend) Delete(key extentKey) {
	_ = os.Remove(b.pagePath(key))
}

func (b *HostFsBackend) DeleteLayer(layer types.BranchID) {
	_ = os.RemoveAll(filepath.Join(b.root, string(layer)))
}
