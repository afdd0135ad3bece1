package bcache

import (
	"io"

	"github.com/mit-pdos/go-bcache/util/stats"
)

const (
	statBread int = iota
	statBwrite
	statBrelse
	statHit
	statRaceHit
	statSteal

	NUM_BCACHE_OPS
)

var bcacheOpNames = []string{
	"Bread",
	"Bwrite",
	"Brelse",
	"bget(hit)",
	"bget(racehit)",
	"bget(steal)",
}

func (bc *Bcache) WriteOpStats(w io.Writer) {
	stats.WriteTable(bcacheOpNames, bc.stats[:], w)
}

func (bc *Bcache) ResetOpStats() {
	for i := range bc.stats {
		bc.stats[i].Reset()
	}
}
