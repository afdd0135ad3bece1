// Package bcache is a fixed-size cache of disk block contents, shared
// by all goroutines that use a disk. Caching blocks in memory reduces
// the number of disk reads and also provides a synchronization point
// for blocks used by multiple goroutines.
//
// Interface:
//   - To get a buffer for a particular disk block, call Bread.
//   - After changing buffer data, call Bwrite to write it to disk.
//   - When done with the buffer, call Brelse.
//   - Do not use the buffer after calling Brelse.
//   - Only one goroutine at a time can use a buffer, so do not keep
//     them longer than necessary.
//
// The cache is a fixed array of slots indexed by a table of hash
// buckets. Cache hits take only the target bucket's lock. Misses
// escalate to a cache-wide lock and recycle the least recently used
// unreferenced slot from whichever bucket holds it.
package bcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tchajed/goose/machine/disk"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/sleeplock"
	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	// NBUF is the default number of cache slots.
	NBUF uint64 = 30
	// NBUCKET is the default number of hash buckets.
	NBUCKET uint64 = 13
)

// A bucket owns the chain of slots whose (dev, blkno) hash to it. The
// chain holds indices into Bcache.bufs; a slot is in exactly one
// bucket at a time, and moves only during eviction.
type bucket struct {
	mu    sync.Mutex
	slots []uint64
}

type Bcache struct {
	// mu serializes eviction scans (the slow path). Bucket locks are
	// only ever acquired in ascending index order while it is held.
	mu   sync.Mutex
	bufs []Buf
	bkts []bucket

	ticks uint64 // logical clock for LRU stamps

	devmu sync.RWMutex
	devs  map[uint64]disk.Disk

	stats [NUM_BCACHE_OPS]stats.Op
}

// MkBcache allocates a cache with nbuf slots and nbucket hash buckets.
// The slot array and bucket table are fixed for the life of the cache.
func MkBcache(nbuf uint64, nbucket uint64) *Bcache {
	if nbuf == 0 || nbucket == 0 {
		panic("MkBcache: zero-sized cache")
	}
	bc := &Bcache{
		bufs: make([]Buf, nbuf),
		bkts: make([]bucket, nbucket),
		devs: make(map[uint64]disk.Disk),
	}
	for i := range bc.bufs {
		b := &bc.bufs[i]
		b.dev = NODEV
		b.lk = sleeplock.New()
		b.Data = make(disk.Block, disk.BlockSize)
		// all slots start on bucket 0's chain; eviction migrates
		// them to wherever their blocks hash
		bc.bkts[0].slots = append(bc.bkts[0].slots, uint64(i))
	}
	return bc
}

func (bc *Bcache) NumSlots() uint64 {
	return uint64(len(bc.bufs))
}

func (bc *Bcache) bufmap(dev uint64, blkno common.Bnum) uint64 {
	return ((dev << 27) | uint64(blkno)) % uint64(len(bc.bkts))
}

func (bc *Bcache) tick() uint64 {
	return atomic.AddUint64(&bc.ticks, 1)
}

// lookupLocked scans bucket key for (dev, blkno). Caller holds that
// bucket's lock.
func (bc *Bcache) lookupLocked(key uint64, dev uint64, blkno common.Bnum) *Buf {
	for _, idx := range bc.bkts[key].slots {
		b := &bc.bufs[idx]
		if b.dev == dev && b.blkno == blkno {
			return b
		}
	}
	return nil
}

// remove unlinks slot idx from bkt's chain. Caller holds bkt.mu.
func (bkt *bucket) remove(idx uint64) {
	for i, s := range bkt.slots {
		if s == idx {
			bkt.slots = append(bkt.slots[:i], bkt.slots[i+1:]...)
			return
		}
	}
	panic("bucket: slot not on chain")
}

// bget looks up the slot caching block blkno of device dev, or
// recycles the least recently used unreferenced slot for it. Either
// way the slot is returned with its refcnt raised and its sleeplock
// held.
func (bc *Bcache) bget(dev uint64, blkno common.Bnum) *Buf {
	key := bc.bufmap(dev, blkno)
	bkt := &bc.bkts[key]

	// Fast path: is the block already cached? Touches no lock but
	// the target bucket's, so hits on different buckets never
	// contend.
	bkt.mu.Lock()
	if b := bc.lookupLocked(key, dev, blkno); b != nil {
		b.refcnt++
		b.tstamp = bc.tick()
		bkt.mu.Unlock()
		bc.stats[statHit].Inc()
		b.lk.Acquire()
		return b
	}
	bkt.mu.Unlock()

	// Slow path: serialize with other misses on the cache-wide lock.
	bc.mu.Lock()

	// Re-check the target bucket. Another goroutine may have claimed
	// a slot for this key between our miss and acquiring bc.mu;
	// skipping this check would let two slots cache the same block.
	bkt.mu.Lock()
	if b := bc.lookupLocked(key, dev, blkno); b != nil {
		b.refcnt++
		b.tstamp = bc.tick()
		bkt.mu.Unlock()
		bc.mu.Unlock()
		bc.stats[statRaceHit].Inc()
		b.lk.Acquire()
		return b
	}
	bkt.mu.Unlock()

	// Not cached. Scan every bucket in ascending index order for the
	// unreferenced slot with the smallest stamp, keeping only the
	// lock of the bucket that owns the best candidate so far. Before
	// acquiring bucket i we hold no bucket lock with index >= i, so
	// concurrent scans cannot wait on each other in a cycle.
	var victim uint64
	var victimStamp uint64
	var found bool
	holding := -1
	for i := range bc.bkts {
		cur := &bc.bkts[i]
		cur.mu.Lock()
		newfound := false
		for _, idx := range cur.slots {
			b := &bc.bufs[idx]
			if b.refcnt == 0 && (!found || b.tstamp < victimStamp) {
				victim = idx
				victimStamp = b.tstamp
				found = true
				newfound = true
			}
		}
		if !newfound {
			cur.mu.Unlock()
			continue
		}
		if holding >= 0 {
			bc.bkts[holding].mu.Unlock()
		}
		holding = i
	}
	if !found {
		// every slot is referenced or pinned; the pool is too small
		bc.mu.Unlock()
		panic("bget: no buffers")
	}

	b := &bc.bufs[victim]
	util.DPrintf(5, "bget: steal slot %d (%v) for %d.%d\n",
		victim, b, dev, blkno)
	if uint64(holding) != key {
		// migrate the victim into the bucket the new key hashes to
		bc.bkts[holding].remove(victim)
		bc.bkts[holding].mu.Unlock()
		bkt.mu.Lock()
		bkt.slots = append(bkt.slots, victim)
	}
	b.dev = dev
	b.blkno = blkno
	b.valid = false
	b.refcnt = 1
	b.tstamp = bc.tick()
	bkt.mu.Unlock()
	bc.mu.Unlock()
	bc.stats[statSteal].Inc()
	b.lk.Acquire()
	return b
}

// disk returns the disk mounted as devno; using an unmounted device
// is a caller bug.
func (bc *Bcache) disk(devno uint64) disk.Disk {
	bc.devmu.RLock()
	d, ok := bc.devs[devno]
	bc.devmu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("bcache: no device %d", devno))
	}
	return d
}

// Bread returns a buf holding the contents of block blkno on device
// dev, with the buf's sleeplock held. The caller owns b.Data until it
// calls Brelse. The device is resolved before any slot is claimed, so
// a read of an unmounted device fails without disturbing the cache.
func (bc *Bcache) Bread(dev uint64, blkno common.Bnum) *Buf {
	defer bc.stats[statBread].Record(time.Now())
	d := bc.disk(dev)
	b := bc.bget(dev, blkno)
	if !b.valid {
		// fill under the sleeplock; bucket locks are not held here
		util.DPrintf(10, "Bread: fill %d.%d\n", dev, blkno)
		d.ReadTo(uint64(b.blkno), b.Data)
		b.valid = true
	}
	return b
}

// Bwrite flushes b's contents to disk. The caller must hold b's
// sleeplock. valid and refcnt are unchanged.
func (bc *Bcache) Bwrite(b *Buf) {
	if !b.lk.Held() {
		panic("Bwrite: buf not locked")
	}
	defer bc.stats[statBwrite].Record(time.Now())
	bc.disk(b.dev).Write(uint64(b.blkno), b.Data)
}

// Brelse releases a locked buf: it drops the sleeplock first, waking
// any goroutine blocked in bget, and then drops the caller's
// reference. Do not use b after calling Brelse.
func (bc *Bcache) Brelse(b *Buf) {
	if !b.lk.Held() {
		panic("Brelse: buf not locked")
	}
	defer bc.stats[statBrelse].Record(time.Now())
	// refcnt > 0 keeps the slot's key stable across the release
	key := bc.bufmap(b.dev, b.blkno)
	b.lk.Release()

	bkt := &bc.bkts[key]
	bkt.mu.Lock()
	if b.refcnt == 0 {
		bkt.mu.Unlock()
		panic("Brelse: refcnt underflow")
	}
	b.refcnt--
	if b.refcnt == 0 {
		// most recently released, so least attractive to evict
		b.tstamp = bc.tick()
	}
	bkt.mu.Unlock()
}

// Bpin takes an extra reference on b so it stays cached across
// operations that do not hold its sleeplock, e.g. blocks recorded in a
// write-ahead log. The caller must currently hold a reference.
func (bc *Bcache) Bpin(b *Buf) {
	bkt := &bc.bkts[bc.bufmap(b.dev, b.blkno)]
	bkt.mu.Lock()
	b.refcnt++
	bkt.mu.Unlock()
}

// Bunpin drops a reference taken with Bpin.
func (bc *Bcache) Bunpin(b *Buf) {
	bkt := &bc.bkts[bc.bufmap(b.dev, b.blkno)]
	bkt.mu.Lock()
	if b.refcnt == 0 {
		bkt.mu.Unlock()
		panic("Bunpin: refcnt underflow")
	}
	b.refcnt--
	if b.refcnt == 0 {
		b.tstamp = bc.tick()
	}
	bkt.mu.Unlock()
}
