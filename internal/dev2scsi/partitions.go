package dev2scsi

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"github.com/usbsas/usbsas/internal/proto/common"
)

// sectorReader is the minimal read-sectors capability partition listing
// needs; internal/massstorage.Device satisfies it.
type sectorReader interface {
	ReadSectors(offset uint64, count uint32) ([]byte, error)
}

// mbrTypeAllowed mirrors the ptype match in usbsas-dev2scsi/src/lib.rs's
// partitions(): only these MBR type codes are considered supported, every
// other code is logged and demoted to 0/"Unsupported".
var mbrTypeAllowed = map[byte]bool{
	0x1: true, 0x4: true, 0x6: true, 0x7: true,
	0xb: true, 0xc: true, 0xe: true, 0xf: true, 0x83: true,
}

// rawPartition is one table entry before the filesystem-signature probe
// fills in name/type.
type rawPartition struct {
	ptype byte
	start uint64 // LBA
	size  uint64 // sectors
	name  string
}

// listRawPartitions reads the MBR (and, for a protective-MBR disk, the GPT
// header + entry array) and returns the partitions found, or none if
// there is no recognizable partition table — mirroring bootsector's
// behavior in the original, which the Go tree replaces with a direct,
// from-scratch MBR/GPT reader since no pack library parses either format.
func listRawPartitions(dev sectorReader, blockSize uint32) ([]rawPartition, error) {
	sector0, err := dev.ReadSectors(0, 1)
	if err != nil {
		return nil, err
	}
	if len(sector0) < 512 || sector0[510] != 0x55 || sector0[511] != 0xAA {
		return nil, nil
	}

	entries := make([]rawPartition, 0, 4)
	hasProtectiveGPT := false
	for i := 0; i < 4; i++ {
		off := 0x1BE + i*16
		ptype := sector0[off+4]
		if ptype == 0 {
			continue
		}
		if ptype == 0xEE {
			hasProtectiveGPT = true
			continue
		}
		startLBA := binary.LittleEndian.Uint32(sector0[off+8 : off+12])
		numSectors := binary.LittleEndian.Uint32(sector0[off+12 : off+16])
		entries = append(entries, rawPartition{
			ptype: ptype,
			start: uint64(startLBA),
			size:  uint64(numSectors),
		})
	}

	if hasProtectiveGPT {
		gptEntries, err := listGPTPartitions(dev, blockSize)
		if err != nil {
			return nil, err
		}
		return gptEntries, nil
	}
	return entries, nil
}

func listGPTPartitions(dev sectorReader, blockSize uint32) ([]rawPartition, error) {
	hdrSector, err := dev.ReadSectors(1, 1)
	if err != nil {
		return nil, err
	}
	if string(hdrSector[0:8]) != "EFI PART" {
		return nil, nil
	}
	partEntryLBA := binary.LittleEndian.Uint64(hdrSector[72:80])
	numEntries := binary.LittleEndian.Uint32(hdrSector[80:84])
	entrySize := binary.LittleEndian.Uint32(hdrSector[84:88])
	if entrySize == 0 || numEntries == 0 {
		return nil, nil
	}

	entriesPerSector := blockSize / entrySize
	if entriesPerSector == 0 {
		entriesPerSector = 1
	}
	sectorsNeeded := (numEntries + entriesPerSector - 1) / entriesPerSector

	buf, err := dev.ReadSectors(partEntryLBA, sectorsNeeded)
	if err != nil {
		return nil, err
	}

	var out []rawPartition
	for i := uint32(0); i < numEntries; i++ {
		off := i * entrySize
		if uint64(off)+uint64(entrySize) > uint64(len(buf)) {
			break
		}
		entry := buf[off : off+entrySize]
		typeGUID := entry[0:16]
		allZero := true
		for _, b := range typeGUID {
			if b != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			continue
		}
		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])
		nameUTF16 := entry[56:128]
		name := decodeUTF16LE(nameUTF16)
		out = append(out, rawPartition{
			ptype: 0, // no MBR-style type code for GPT; left unsupported/0
			start: firstLBA,
			size:  lastLBA - firstLBA + 1,
			name:  name,
		})
	}
	return out, nil
}

func decodeUTF16LE(b []byte) string {
	u16 := make([]uint16, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		v := binary.LittleEndian.Uint16(b[i : i+2])
		if v == 0 {
			break
		}
		u16 = append(u16, v)
	}
	return string(utf16.Decode(u16))
}

const (
	maxLenPartHeader = 0x464
	maxLenISOHeader  = 0x8806
)

// probeFilesystem reads a part's header sectors and fills in its type and
// volume name by signature, exactly the checks in
// usbsas-dev2scsi/src/lib.rs's partitions(): FAT12/16, FAT32, exFAT, NTFS,
// ext4 (ext2/3 unsupported), else left at ptype 0/"Unsupported".
func probeFilesystem(dev sectorReader, blockSize uint32, part *common.Partition, name *string, start uint64) error {
	sectorsToRead := maxLenPartHeader / uint64(blockSize)
	if maxLenPartHeader%uint64(blockSize) > 0 {
		sectorsToRead++
	}
	data, err := dev.ReadSectors(start, uint32(sectorsToRead))
	if err != nil {
		return err
	}

	switch {
	case len(data) > 0x39 && string(data[0x36:0x39]) == "FAT":
		part.FsType = common.FsFAT
		part.TypeStr = "FAT"
		if len(data) > 0x31 {
			*name = trimName(string(data[0x26:0x31]))
		}
		if part.Type == 0 {
			part.Type = 0x6
		}
	case len(data) > 0x55 && string(data[0x52:0x55]) == "FAT":
		part.FsType = common.FsFAT
		part.TypeStr = "FAT"
		if len(data) > 0x52 {
			*name = trimName(string(data[0x47:0x52]))
		}
		if part.Type == 0 {
			part.Type = 0xb
		}
	case len(data) > 0x6 && string(data[0x3:0x6]) == "EXF":
		part.FsType = common.FsExFAT
		part.TypeStr = "EXFAT"
		if part.Type == 0 {
			part.Type = 0x7
		}
	case len(data) > 0x7 && string(data[0x3:0x7]) == "NTFS":
		part.FsType = common.FsNTFS
		part.TypeStr = "NTFS"
		if part.Type == 0 {
			part.Type = 0x7
		}
	case len(data) > 0x43A && data[0x438] == 0x53 && data[0x439] == 0xEF:
		if binary.LittleEndian.Uint32(data[0x460:0x464]) > 63 {
			part.FsType = common.FsExt4
			part.TypeStr = "Linux/Ext"
			if len(data) >= 1024+0x88 {
				*name = trimName(string(data[1024+0x78 : 1024+0x88]))
			}
			if part.Type == 0 {
				part.Type = 0x83
			}
		} else {
			part.Type = 0 // ext2/ext3 unsupported
		}
	}

	if trimName(*name) == "" {
		*name = "Unknown"
	} else {
		*name = trimName(*name)
	}
	return nil
}

func trimName(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\x00"))
}

// probeISO9660 is the last-resort probe when no partition table and no
// recognized filesystem were found: look for the "CD001" signature at the
// primary or supplementary volume descriptor offsets.
func probeISO9660(dev sectorReader, blockSize uint32, part *common.Partition) error {
	sectorsToRead := maxLenISOHeader / uint64(blockSize)
	if maxLenISOHeader%uint64(blockSize) > 0 {
		sectorsToRead++
	}
	data, err := dev.ReadSectors(0x8000/uint64(blockSize), uint32(sectorsToRead))
	if err != nil {
		return err
	}
	iso := []byte{0x43, 0x44, 0x30, 0x30, 0x31}
	primary := len(data) > 0x6 && string(data[0x1:0x6]) == string(iso)
	supplementary := len(data) > 0x806 && string(data[0x801:0x806]) == string(iso)
	if primary || supplementary {
		part.FsType = common.FsISO9660
		part.TypeStr = "ISO9660"
		if part.Type == 0 {
			part.Type = 0xFF
		}
		return nil
	}
	return errNoSupportedFs
}
