// Package partition writes firmware images into the spare slot of the
// RP2350 A/B flash layout and selects the slot to boot next.
package partition

import "errors"

// Flash geometry.
const (
	SectorSize = 4096 // erase block
	PageSize   = 256  // program block
)

// Partition table layout, as reported by picotool partition info:
//
//	0(A)       00002000->001f2000
//	1(B w/ 0)  001f2000->003e2000
const (
	PartitionA = 0
	PartitionB = 1

	PartitionAOffset = 0x2000
	PartitionBOffset = 0x1F2000
	PartitionMaxSize = 0x1F0000

	// XIPBase maps flash offsets to the execute-in-place window used by
	// the bootrom reboot call.
	XIPBase = 0x10000000
)

// Errors
var (
	ErrImageTooLarge = errors.New("partition: image too large for slot")
	ErrNotOpen       = errors.New("partition: writer not open")
	ErrStillOpen     = errors.New("partition: writer not ended")
	ErrEmpty         = errors.New("partition: nothing written")
	ErrUnaligned     = errors.New("partition: unaligned flash access")
	ErrOutOfRange    = errors.New("partition: flash access out of range")
)

// Slot is one firmware partition.
type Slot struct {
	Index  int
	Offset uint32
	Size   uint32
}

// XIPAddr returns the execute-in-place address of the slot.
func (s Slot) XIPAddr() uint32 {
	return XIPBase + s.Offset
}

// SlotFor returns the slot for a partition index. Anything but B is A.
func SlotFor(index int) Slot {
	if index == PartitionB {
		return Slot{Index: PartitionB, Offset: PartitionBOffset, Size: PartitionMaxSize}
	}
	return Slot{Index: PartitionA, Offset: PartitionAOffset, Size: PartitionMaxSize}
}

// Spare returns the slot that is not running.
func Spare(running int) Slot {
	if running == PartitionA {
		return SlotFor(PartitionB)
	}
	return SlotFor(PartitionA)
}

func (s Slot) String() string {
	if s.Index == PartitionB {
		return "B"
	}
	return "A"
}
