package bcache

import (
	"fmt"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/common"

	"github.com/mit-pdos/go-bcache/sleeplock"
)

// NODEV marks a slot that caches no block.
const NODEV uint64 = ^uint64(0)

// A Buf is one slot of the cache: the bytes of one disk block plus the
// bookkeeping that governs its lifetime. Data may only be read or
// written while the slot's sleeplock is held, which is the state Bread
// returns it in. The remaining fields belong to the slot's bucket and
// are only touched under that bucket's lock.
type Buf struct {
	dev    uint64
	blkno  common.Bnum
	valid  bool // does Data hold the on-disk bytes for (dev, blkno)?
	refcnt uint32
	tstamp uint64 // tick of last acquire/release, for LRU

	lk   *sleeplock.Lock
	Data disk.Block
}

func (b *Buf) Dev() uint64 {
	return b.dev
}

func (b *Buf) Blkno() common.Bnum {
	return b.blkno
}

func (b *Buf) String() string {
	return fmt.Sprintf("buf %d.%d valid %v refcnt %d tstamp %d",
		b.dev, b.blkno, b.valid, b.refcnt, b.tstamp)
}
