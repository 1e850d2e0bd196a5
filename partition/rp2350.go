//go:build tinygo

package partition

/*
#include <stdint.h>
#include <stdbool.h>
#include <stddef.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT                 ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY           ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO           ROM_TABLE_CODE('G', 'S')
#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define BOOTROM_TABLE_LOOKUP_OFFSET 0x16
#define RT_FLAG_FUNC_ARM_SEC        0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

#define SYS_INFO_BOOT_INFO     0x0040
#define FLASH_SECTOR_SIZE      4096
#define FLASH_SECTOR_ERASE_CMD 0x20

#define WATCHDOG_CTRL         0x400d8000
#define WATCHDOG_CTRL_TRIGGER (1u << 31)

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out, uint32_t words, uint32_t flags);
typedef void (*flash_void_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);

// TinyGo runs in the secure state; there is no TrustZone setup.
__attribute__((always_inline))
static void *rom_lookup(uint32_t code) {
    rom_table_lookup_fn lookup = (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int rp_confirm_boot(void) {
    rom_explicit_buy_fn fn = (rom_explicit_buy_fn) rom_lookup(ROM_FUNC_EXPLICIT_BUY);
    if (!fn) return -1;
    uint32_t workarea[64];
    return fn((uint8_t*)workarea, sizeof(workarea));
}

static int rp_running_partition(void) {
    rom_get_sys_info_fn fn = (rom_get_sys_info_fn) rom_lookup(ROM_FUNC_GET_SYS_INFO);
    if (!fn) return 0;
    uint32_t buf[5];
    if (fn(buf, 5, SYS_INFO_BOOT_INFO) < 0) return 0;
    if (!(buf[0] & SYS_INFO_BOOT_INFO)) return 0;
    // Word 1 is 0xttppbbdd, pp is the boot partition; 0xff means none.
    uint8_t p = (buf[1] >> 16) & 0xFF;
    return p == 0xFF ? 0 : (int)p;
}

// rp_reboot_into asks the bootrom for a flash-update reboot into the
// partition at xip_addr. Returns only on failure.
static int rp_reboot_into(uint32_t xip_addr) {
    rom_reboot_fn fn = (rom_reboot_fn) rom_lookup(ROM_FUNC_REBOOT);
    if (!fn) return -1;
    int ret = fn(REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE | REBOOT2_FLAG_NO_RETURN_ON_SUCCESS, 1000, xip_addr, 0);
    if (ret == 0) {
        for (volatile uint32_t i = 0; i < 20000000; i++) { }
        while (1) { __asm__("wfi"); }
    }
    return ret;
}

static void rp_reboot(void) {
    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while (1) { __asm__("nop"); }
}

// Flash access goes straight to the ROM: machine.Flash adds
// FlashDataStart() to every offset.
static int rp_flash_op(uint32_t offset, const uint8_t *data, uint32_t len, bool erase) {
    flash_void_fn connect = (flash_void_fn) rom_lookup(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_void_fn exit_xip = (flash_void_fn) rom_lookup(ROM_FUNC_FLASH_EXIT_XIP);
    flash_void_fn flush = (flash_void_fn) rom_lookup(ROM_FUNC_FLASH_FLUSH_CACHE);
    flash_range_erase_fn erase_fn = (flash_range_erase_fn) rom_lookup(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_range_program_fn program_fn = (flash_range_program_fn) rom_lookup(ROM_FUNC_FLASH_RANGE_PROGRAM);
    if (!connect || !exit_xip || !flush || !erase_fn || !program_fn) return -1;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");
    connect();
    exit_xip();
    if (erase) {
        erase_fn(offset, len, FLASH_SECTOR_SIZE, FLASH_SECTOR_ERASE_CMD);
    } else {
        program_fn(offset, data, len);
    }
    flush();
    __asm__ volatile ("msr primask, %0" : : "r" (status));
    return 0;
}
*/
import "C"

import "errors"

// Errors
var (
	ErrConfirmFailed = errors.New("partition: boot confirm failed")
	ErrRebootFailed  = errors.New("partition: reboot failed")
	ErrROMMissing    = errors.New("partition: rom flash function missing")
)

// ROMFlash drives the on-board flash through the bootrom.
type ROMFlash struct{}

// EraseSector implements Flash.
func (ROMFlash) EraseSector(off uint32) error {
	if off%SectorSize != 0 {
		return ErrUnaligned
	}
	if C.rp_flash_op(C.uint32_t(off), nil, C.uint32_t(SectorSize), true) != 0 {
		return ErrROMMissing
	}
	return nil
}

// Program implements Flash.
func (ROMFlash) Program(off uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if off%PageSize != 0 || len(p)%PageSize != 0 {
		return ErrUnaligned
	}
	if C.rp_flash_op(C.uint32_t(off), (*C.uint8_t)(&p[0]), C.uint32_t(len(p)), false) != 0 {
		return ErrROMMissing
	}
	return nil
}

// ConfirmBoot accepts the running image (try before you buy). It must
// run within 16.7s of boot or the bootrom reverts to the other slot.
// The raw ROM code is returned for logging.
func ConfirmBoot() (int, error) {
	code := int(C.rp_confirm_boot())
	if code != 0 {
		return code, ErrConfirmFailed
	}
	return 0, nil
}

// Running returns the partition the device booted from.
func Running() int {
	return int(C.rp_running_partition())
}

// Boot selects the next slot and reboots into it.
type Boot struct {
	next    Slot
	nextSet bool

	// Shutdown runs before any reboot. May be nil.
	Shutdown func()
}

// SetBootSlot implements BootSelector.
func (b *Boot) SetBootSlot(s Slot) error {
	b.next = s
	b.nextSet = true
	return nil
}

// Restart reboots into the selected slot, or plainly when none was
// selected. It returns only if the bootrom refused.
func (b *Boot) Restart() error {
	if b.Shutdown != nil {
		b.Shutdown()
	}
	if !b.nextSet {
		C.rp_reboot()
		return ErrRebootFailed
	}
	if code := C.rp_reboot_into(C.uint32_t(b.next.XIPAddr())); code != 0 {
		return ErrRebootFailed
	}
	return nil
}

// Reboot restarts the running image through the watchdog.
func Reboot() {
	C.rp_reboot()
}
