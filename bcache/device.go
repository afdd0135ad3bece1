package bcache

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/util"
)

// MountDevice attaches d as device number devno. Blocks of devno can
// then be read through the cache. Mounting an already-mounted device
// number is an error.
func (bc *Bcache) MountDevice(devno uint64, d disk.Disk) error {
	if devno == NODEV {
		return fmt.Errorf("bcache: device number %d is reserved", devno)
	}
	bc.devmu.Lock()
	if _, ok := bc.devs[devno]; ok {
		bc.devmu.Unlock()
		return fmt.Errorf("bcache: device %d already mounted", devno)
	}
	bc.devs[devno] = d
	bc.devmu.Unlock()
	util.DPrintf(1, "MountDevice: %d (%d blocks)\n", devno, d.Size())
	return nil
}

// UnmountDevice invalidates every cached block of devno and detaches
// the disk. Unflushed buffer contents are discarded, so callers must
// Bwrite anything they care about first, and must have stopped issuing
// operations for the device. If a block of devno is still referenced,
// UnmountDevice fails; blocks visited before the referenced one have
// already been dropped from the cache at that point.
func (bc *Bcache) UnmountDevice(devno uint64) error {
	bc.devmu.RLock()
	_, ok := bc.devs[devno]
	bc.devmu.RUnlock()
	if !ok {
		return fmt.Errorf("bcache: device %d not mounted", devno)
	}

	// holding bc.mu keeps eviction from re-keying slots mid-scan
	bc.mu.Lock()
	for i := range bc.bkts {
		bkt := &bc.bkts[i]
		bkt.mu.Lock()
		for _, idx := range bkt.slots {
			b := &bc.bufs[idx]
			if b.dev != devno {
				continue
			}
			if b.refcnt > 0 {
				bkt.mu.Unlock()
				bc.mu.Unlock()
				return fmt.Errorf("bcache: device %d busy (block %d held)",
					devno, b.blkno)
			}
			b.dev = NODEV
			b.blkno = 0
			b.valid = false
		}
		bkt.mu.Unlock()
	}
	bc.mu.Unlock()

	bc.devmu.Lock()
	delete(bc.devs, devno)
	bc.devmu.Unlock()
	util.DPrintf(1, "UnmountDevice: %d\n", devno)
	return nil
}
