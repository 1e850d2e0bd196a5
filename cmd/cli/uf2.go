package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"openenterprise/otaloader/ota"
)

// UF2 block layout (512 bytes):
//
//	0-3:   Magic 1 (0x0A324655 "UF2\n" little-endian)
//	4-7:   Magic 2 (0x9E5D5157)
//	8-11:  Flags
//	12-15: Target address
//	16-19: Payload size (typically 256)
//	20-23: Block number
//	24-27: Total blocks
//	28-31: File size or family ID (depends on flags)
//	32-507: Data (476 bytes max)
//	508-511: Magic 3 (0x0AB16F30)
const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655
	uf2Magic2     = 0x9E5D5157
	uf2Magic3     = 0x0AB16F30

	uf2FlagNotMainFlash  = 0x00000001
	uf2FlagFileContainer = 0x00001000
	uf2FlagFamilyID      = 0x00002000
	uf2FlagMD5           = 0x00004000
	uf2FlagExtension     = 0x00008000

	maxImageSize = 4 * 1024 * 1024
)

func uf2MagicOK(block []byte) bool {
	return binary.LittleEndian.Uint32(block[0:4]) == uf2Magic1 &&
		binary.LittleEndian.Uint32(block[4:8]) == uf2Magic2 &&
		binary.LittleEndian.Uint32(block[508:512]) == uf2Magic3
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	default:
		return "unknown"
	}
}

// loadImage reads the firmware to send. UF2 containers are unpacked to the
// raw binary; anything else is sent as is.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".uf2") {
		fw, err := extractUF2Binary(data)
		if err != nil {
			return nil, fmt.Errorf("extract UF2: %w", err)
		}
		return fw, nil
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("firmware file is empty")
	}
	return data, nil
}

// extractUF2Binary extracts the raw binary from a UF2 container file
func extractUF2Binary(uf2Data []byte) ([]byte, error) {
	if len(uf2Data) < uf2BlockSize {
		return nil, fmt.Errorf("file too small to be UF2")
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("UF2 file size not multiple of 512")
	}
	numBlocks := len(uf2Data) / uf2BlockSize

	// First pass: find the address range
	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for i := 0; i < numBlocks; i++ {
		block := uf2Data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if !uf2MagicOK(block) {
			return nil, fmt.Errorf("block %d: invalid magic", i)
		}
		targetAddr := binary.LittleEndian.Uint32(block[12:16])
		payloadSize := min(binary.LittleEndian.Uint32(block[16:20]), uf2MaxPayload)
		minAddr = min(minAddr, targetAddr)
		maxAddr = max(maxAddr, targetAddr+payloadSize)
	}

	outputSize := maxAddr - minAddr
	if outputSize > maxImageSize {
		return nil, fmt.Errorf("extracted binary too large: %d bytes", outputSize)
	}
	output := make([]byte, outputSize)

	// Second pass: copy payloads to their offsets
	for i := 0; i < numBlocks; i++ {
		block := uf2Data[i*uf2BlockSize : (i+1)*uf2BlockSize]
		targetAddr := binary.LittleEndian.Uint32(block[12:16])
		payloadSize := min(binary.LittleEndian.Uint32(block[16:20]), uf2MaxPayload)
		offset := targetAddr - minAddr
		copy(output[offset:offset+payloadSize], block[32:32+payloadSize])
	}
	return output, nil
}

// readFirmwareInfo describes a UF2 file from its first block.
func readFirmwareInfo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	fileSize := stat.Size()

	block := make([]byte, uf2BlockSize)
	if _, err := io.ReadFull(f, block); err != nil {
		return err
	}
	if !uf2MagicOK(block) {
		return fmt.Errorf("not a valid UF2 file (bad magic)")
	}
	flags := binary.LittleEndian.Uint32(block[8:12])
	targetAddr := binary.LittleEndian.Uint32(block[12:16])
	payloadSize := binary.LittleEndian.Uint32(block[16:20])
	numBlocks := binary.LittleEndian.Uint32(block[24:28])
	familyID := binary.LittleEndian.Uint32(block[28:32])

	fmt.Fprintf(w, "UF2 File: %s\n", path)
	fmt.Fprintf(w, "  File size: %d bytes (%d KB)\n", fileSize, fileSize/1024)
	fmt.Fprintf(w, "  Blocks: %d (block 0 shown)\n", numBlocks)
	fmt.Fprintf(w, "  Target address: 0x%08x\n", targetAddr)
	fmt.Fprintf(w, "  Payload per block: %d bytes\n", payloadSize)
	fmt.Fprintf(w, "  Flags: 0x%08x\n", flags)

	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{uf2FlagNotMainFlash, "NOT_MAIN_FLASH"},
		{uf2FlagFileContainer, "FILE_CONTAINER"},
		{uf2FlagFamilyID, "FAMILY_ID_PRESENT"},
		{uf2FlagMD5, "MD5_CHECKSUM_PRESENT"},
		{uf2FlagExtension, "EXTENSION_TAGS_PRESENT"},
	} {
		if flags&f.bit != 0 {
			fmt.Fprintf(w, "    - %s\n", f.name)
		}
	}
	if flags&uf2FlagFamilyID != 0 {
		fmt.Fprintf(w, "  Family ID: 0x%08x (%s)\n", familyID, familyName(familyID))
	}

	fwSize := uint64(numBlocks) * uint64(payloadSize)
	fmt.Fprintf(w, "  Firmware size: ~%d bytes (%d KB)\n", fwSize, fwSize/1024)
	if fwSize >= ota.MaxFirmwareSize {
		fmt.Fprintf(w, "  Warning: larger than the device accepts\n")
	}
	return nil
}
