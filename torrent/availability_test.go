package torrent

import (
	"sync"
	"sync/atomic"
	"testing"

	"bitTorrentPeer/bitfield"
)

func TestMarkCompleteSingleWinner(t *testing.T) {
	a := NewAvailability(4)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.MarkComplete(2) {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Errorf("expected exactly one winner, got %d", winners.Load())
	}
	if !a.Has(2) || a.Count() != 1 {
		t.Errorf("expected only piece 2, has(2)=%v count=%d", a.Has(2), a.Count())
	}
}

func TestAvailabilityBounds(t *testing.T) {
	a := NewAvailability(3)

	for _, index := range []int{-1, 3, 100} {
		if a.MarkComplete(index) {
			t.Errorf("MarkComplete(%d) should fail", index)
		}
		if a.Has(index) {
			t.Errorf("Has(%d) should be false", index)
		}
	}
}

func TestAvailabilityBitfield(t *testing.T) {
	a := NewAvailability(10)
	a.MarkComplete(0)
	a.MarkComplete(9)

	bf := a.Bitfield()
	if got := bf.String(); got != "10000000 01" {
		t.Errorf("expected '10000000 01', got '%s'", got)
	}

	// snapshot does not follow later changes
	a.MarkComplete(1)
	if bf.Has(1) {
		t.Error("bitfield snapshot changed after MarkComplete")
	}

	for i := 2; i < 9; i++ {
		a.MarkComplete(i)
	}
	if !a.Complete() {
		t.Error("expected availability to be complete")
	}
}

func TestOwners(t *testing.T) {
	a := NewAvailability(4)

	bf := bitfield.New(4)
	bf.Set(1)
	bf.Set(3)

	a.AddOwners(bf)
	a.AddOwner(1)

	if got := a.Owners(1); got != 2 {
		t.Errorf("expected 2 owners of piece 1, got %d", got)
	}
	if got := a.Owners(3); got != 1 {
		t.Errorf("expected 1 owner of piece 3, got %d", got)
	}

	a.RemoveOwners(bf)
	a.RemoveOwners(bf)
	if got := a.Owners(3); got != 0 {
		t.Errorf("owner count went below zero: %d", got)
	}
	if got := a.Owners(1); got != 0 {
		t.Errorf("expected 0 owners of piece 1, got %d", got)
	}
}
