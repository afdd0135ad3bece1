package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tchajed/goose/machine/disk"
	"github.com/tchajed/marshal"
	"golang.org/x/sys/unix"

	"github.com/mit-pdos/go-journal/common"
	"github.com/mit-pdos/go-journal/util"

	"github.com/mit-pdos/go-bcache/bcache"
	"github.com/mit-pdos/go-bcache/util/timed_disk"
)

const devno uint64 = 0

// One cycle: read a block through the cache, bump the sequence record
// stored in it, flush, release.
func cycle(bc *bcache.Bcache, blkno common.Bnum) {
	b := bc.Bread(devno, blkno)
	dec := marshal.NewDec(b.Data)
	seq := dec.GetInt()
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutInt(seq + 1)
	copy(b.Data, enc.Finish())
	bc.Bwrite(b)
	bc.Brelse(b)
}

func sumRecords(bc *bcache.Bcache, blocks uint64) uint64 {
	var sum uint64
	for blkno := common.Bnum(0); uint64(blkno) < blocks; blkno++ {
		b := bc.Bread(devno, blkno)
		dec := marshal.NewDec(b.Data)
		sum += dec.GetInt()
		bc.Brelse(b)
	}
	return sum
}

// rawBench preads random blocks straight off the image file, as an
// uncached baseline for the same access pattern.
func rawBench(path string, blocks uint64, duration time.Duration) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	buf := make([]byte, disk.BlockSize)
	r := rand.New(rand.NewSource(1))
	var ops uint64
	start := time.Now()
	for time.Since(start) < duration {
		blkno := uint64(r.Intn(int(blocks)))
		_, err := unix.Pread(fd, buf, int64(blkno*disk.BlockSize))
		if err != nil {
			log.Fatalf("pread: %v", err)
		}
		ops++
	}
	elapsed := time.Since(start)
	unix.Close(fd)
	fmt.Printf("raw pread: %d ops, %0.0f ops/sec\n",
		ops, float64(ops)/elapsed.Seconds())
}

func main() {
	cpuprofile := flag.String("cpuprofile", "", "write cpu profile to file")

	var nthread int
	flag.IntVar(&nthread, "threads", 4, "number of concurrent workers")

	var blocks uint64
	flag.Uint64Var(&blocks, "blocks", 10*1000, "number of disk blocks to touch")

	var nbuf uint64
	flag.Uint64Var(&nbuf, "nbuf", bcache.NBUF, "number of cache slots")

	var nbucket uint64
	flag.Uint64Var(&nbucket, "nbucket", bcache.NBUCKET, "number of hash buckets")

	var duration time.Duration
	flag.DurationVar(&duration, "duration", 5*time.Second, "how long to run")

	var diskfile string
	flag.StringVar(&diskfile, "disk", "", "disk image (empty for MemDisk)")

	var dumpStats bool
	flag.BoolVar(&dumpStats, "stats", false, "dump stats to stderr at end")

	var raw bool
	flag.BoolVar(&raw, "raw", false, "pread the image directly instead of using the cache")

	flag.Uint64Var(&util.Debug, "debug", 0, "debug level (higher is more verbose)")
	flag.Parse()

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	if raw {
		if diskfile == "" {
			log.Fatal("-raw requires -disk")
		}
		rawBench(diskfile, blocks, duration)
		return
	}

	var d disk.Disk
	if diskfile != "" {
		file, err := disk.NewFileDisk(diskfile, blocks)
		if err != nil {
			log.Fatalf("could not create file disk: %v", err)
		}
		d = file
	} else {
		d = disk.NewMemDisk(blocks)
	}
	td := timed_disk.New(d)

	bc := bcache.MkBcache(nbuf, nbucket)
	if err := bc.MountDevice(devno, td); err != nil {
		log.Fatal(err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1)
	go func() {
		for range sigs {
			bc.WriteOpStats(os.Stderr)
			td.WriteStats(os.Stderr)
		}
	}()

	// an existing image may carry records from a previous run
	baseline := sumRecords(bc, blocks)

	var stop uint32
	counts := make([]uint64, nthread)
	var wg sync.WaitGroup
	start := time.Now()
	for tid := 0; tid < nthread; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(int64(tid)))
			for atomic.LoadUint32(&stop) == 0 {
				cycle(bc, common.Bnum(r.Intn(int(blocks))))
				counts[tid]++
			}
		}(tid)
	}
	time.Sleep(duration)
	atomic.StoreUint32(&stop, 1)
	wg.Wait()
	elapsed := time.Since(start)

	var total uint64
	for _, c := range counts {
		total += c
	}

	// every cycle flushed its increment, so the sum of the sequence
	// records must have grown by exactly the number of cycles run
	sum := sumRecords(bc, blocks)
	if sum-baseline != total {
		log.Fatalf("lost updates: %d cycles ran but blocks sum grew by %d",
			total, sum-baseline)
	}

	fmt.Printf("bcache: %d threads, %d slots, %d buckets: %d ops, %0.0f ops/sec\n",
		nthread, nbuf, nbucket, total, float64(total)/elapsed.Seconds())
	if dumpStats {
		bc.WriteOpStats(os.Stderr)
		td.WriteStats(os.Stderr)
	}
}
