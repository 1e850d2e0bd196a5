package partition

import (
	"log/slog"
)

// Flash programs raw flash by offset from the start of the device.
// EraseSector takes a SectorSize aligned offset and Program writes
// whole pages at a PageSize aligned offset.
type Flash interface {
	EraseSector(off uint32) error
	Program(off uint32, p []byte) error
}

// BootSelector records the slot the device should boot next.
type BootSelector interface {
	SetBootSlot(s Slot) error
}

// Writer streams an image into a slot. Sectors are erased just ahead of
// the data that lands in them, so a large image never blocks on one long
// erase, and data is programmed a page at a time.
type Writer struct {
	flash Flash
	boot  BootSelector
	slot  Slot
	log   *slog.Logger

	// Yield runs after every sector erase, for feeding a watchdog or
	// letting the network stack catch up. May be nil.
	Yield func()

	page    [PageSize]byte
	pageLen int
	size    uint32 // declared by Begin
	off     uint32 // programmed bytes, relative to the slot
	erased  uint32 // erased bytes, relative to the slot
	total   uint32 // bytes accepted through Write
	open    bool
	ended   bool
}

// NewWriter returns a Writer targeting slot.
func NewWriter(flash Flash, boot BootSelector, slot Slot, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Writer{flash: flash, boot: boot, slot: slot, log: log}
}

// Slot returns the target slot.
func (w *Writer) Slot() Slot {
	return w.slot
}

// Begin opens the writer for an image of at most size bytes.
func (w *Writer) Begin(size uint32) error {
	if size > w.slot.Size {
		return ErrImageTooLarge
	}
	w.size = size
	w.pageLen = 0
	w.off = 0
	w.erased = 0
	w.total = 0
	w.open = true
	w.ended = false
	w.log.Info("partition:begin",
		slog.String("slot", w.slot.String()),
		slog.String("offset", formatHex(w.slot.Offset)),
		slog.Uint64("size", uint64(size)),
	)
	return nil
}

// Write appends p to the image.
func (w *Writer) Write(p []byte) error {
	if !w.open {
		return ErrNotOpen
	}
	if uint64(w.total)+uint64(len(p)) > uint64(w.size) {
		return ErrImageTooLarge
	}
	w.total += uint32(len(p))
	for len(p) > 0 {
		n := copy(w.page[w.pageLen:], p)
		w.pageLen += n
		p = p[n:]
		if w.pageLen == PageSize {
			if err := w.flushPage(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) flushPage() error {
	if w.off >= w.erased {
		sector := w.slot.Offset + w.erased
		if w.erased/SectorSize < 5 || (w.erased/SectorSize)%50 == 0 {
			w.log.Debug("partition:erase", slog.String("offset", formatHex(sector)))
		}
		if err := w.flash.EraseSector(sector); err != nil {
			return err
		}
		w.erased += SectorSize
		if w.Yield != nil {
			w.Yield()
		}
	}
	if err := w.flash.Program(w.slot.Offset+w.off, w.page[:]); err != nil {
		return err
	}
	w.off += PageSize
	w.pageLen = 0
	return nil
}

// End flushes the final partial page, padded with erased bytes.
func (w *Writer) End() error {
	if !w.open {
		return ErrNotOpen
	}
	if w.pageLen > 0 {
		for i := w.pageLen; i < PageSize; i++ {
			w.page[i] = 0xFF
		}
		w.pageLen = PageSize
		if err := w.flushPage(); err != nil {
			return err
		}
	}
	w.open = false
	w.ended = true
	w.log.Info("partition:end", slog.Uint64("bytes", uint64(w.total)))
	return nil
}

// Commit selects the written slot for the next boot.
func (w *Writer) Commit() error {
	switch {
	case w.open:
		return ErrStillOpen
	case !w.ended || w.total == 0:
		return ErrEmpty
	}
	if err := w.boot.SetBootSlot(w.slot); err != nil {
		return err
	}
	w.ended = false
	w.log.Info("partition:commit", slog.String("slot", w.slot.String()))
	return nil
}

// Abort drops the open image. Erased and programmed sectors stay as they
// are; the slot is not selected.
func (w *Writer) Abort() {
	if w.open {
		w.log.Warn("partition:abort", slog.Uint64("bytes", uint64(w.total)))
	}
	w.open = false
	w.ended = false
	w.pageLen = 0
}

// Written returns the bytes accepted since Begin.
func (w *Writer) Written() uint32 {
	return w.total
}

// formatHex formats a uint32 as a 0x-prefixed hex string.
func formatHex(n uint32) string {
	const hexDigits = "0123456789abcdef"
	var buf [10]byte
	buf[0] = '0'
	buf[1] = 'x'
	for i := 9; i >= 2; i-- {
		buf[i] = hexDigits[n&0xf]
		n >>= 4
	}
	return string(buf[:])
}
