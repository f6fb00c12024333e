package torrent

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"bitTorrentPeer/bitfield"
)

// Availability is the process-wide view of pieces: which ones we have
// completed and how many connected peers announced each one.
type Availability struct {
	mu     sync.Mutex
	n      int
	have   *roaring.Bitmap
	owners []int
}

func NewAvailability(numPieces int) *Availability {
	return &Availability{
		n:      numPieces,
		have:   roaring.New(),
		owners: make([]int, numPieces),
	}
}

// MarkComplete records piece index as verified. Only the first caller for a
// given piece gets true.
func (a *Availability) MarkComplete(index int) bool {
	if index < 0 || index >= a.n {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.have.CheckedAdd(uint32(index))
}

func (a *Availability) Has(index int) bool {
	if index < 0 || index >= a.n {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.have.Contains(uint32(index))
}

func (a *Availability) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.have.GetCardinality())
}

func (a *Availability) Len() int {
	return a.n
}

func (a *Availability) Complete() bool {
	return a.Count() == a.n
}

// Bitfield returns the completed pieces in wire form.
func (a *Availability) Bitfield() *bitfield.Bitfield {
	bf := bitfield.New(a.n)
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, index := range a.have.ToArray() {
		bf.Set(int(index))
	}
	return bf
}

func (a *Availability) AddOwner(index int) {
	if index < 0 || index >= a.n {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.owners[index]++
}

// AddOwners counts every piece set in bf.
func (a *Availability) AddOwners(bf *bitfield.Bitfield) {
	a.adjustOwners(bf, 1)
}

// RemoveOwners undoes AddOwners when a peer goes away.
func (a *Availability) RemoveOwners(bf *bitfield.Bitfield) {
	a.adjustOwners(bf, -1)
}

func (a *Availability) adjustOwners(bf *bitfield.Bitfield, delta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.n && i < bf.Len(); i++ {
		if bf.Has(i) {
			a.owners[i] = max(0, a.owners[i]+delta)
		}
	}
}

// Owners is the number of connected peers that announced piece index.
func (a *Availability) Owners(index int) int {
	if index < 0 || index >= a.n {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[index]
}
