package partition

import "sync"

// MemFlash is NOR flash held in memory. Erased bytes read 0xFF and
// programming can only clear bits, like the real part.
type MemFlash struct {
	mu       sync.Mutex
	data     []byte
	erases   int
	programs int
	boot     Slot
	bootSet  bool
}

// NewMemFlash returns size bytes of erased flash.
func NewMemFlash(size int) *MemFlash {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	return &MemFlash{data: data}
}

// EraseSector implements Flash.
func (f *MemFlash) EraseSector(off uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off%SectorSize != 0 {
		return ErrUnaligned
	}
	if uint64(off)+SectorSize > uint64(len(f.data)) {
		return ErrOutOfRange
	}
	sector := f.data[off : off+SectorSize]
	for i := range sector {
		sector[i] = 0xFF
	}
	f.erases++
	return nil
}

// Program implements Flash.
func (f *MemFlash) Program(off uint32, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off%PageSize != 0 || len(p)%PageSize != 0 {
		return ErrUnaligned
	}
	if uint64(off)+uint64(len(p)) > uint64(len(f.data)) {
		return ErrOutOfRange
	}
	dst := f.data[off:]
	for i, b := range p {
		dst[i] &= b
	}
	f.programs++
	return nil
}

// SetBootSlot implements BootSelector.
func (f *MemFlash) SetBootSlot(s Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot = s
	f.bootSet = true
	return nil
}

// BootSlot returns the selected slot, if any.
func (f *MemFlash) BootSlot() (Slot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot, f.bootSet
}

// Read copies n bytes at off.
func (f *MemFlash) Read(off uint32, n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, n)
	copy(out, f.data[off:])
	return out
}

// Counts returns the number of erase and program operations.
func (f *MemFlash) Counts() (erases, programs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.erases, f.programs
}
