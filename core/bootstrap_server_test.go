package core

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestBootstrapServer(t *testing.T, cfg BootstrapServerConfig) *BootstrapServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(testDiscard{})
	return NewBootstrapServer(cfg, nil, nil, nil, nil, logger)
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

// TestBootstrapServerAdmitRateLimitsPerIP: two
// consecutive bootstrap attempts from the same IP within PerIPMinInterval
// result in only the first being admitted.
func TestBootstrapServerAdmitRateLimitsPerIP(t *testing.T) {
	s := newTestBootstrapServer(t, BootstrapServerConfig{
		PerIPMinInterval: 10 * time.Second,
		IPListMaxSize:    100,
		MaxSimultaneous:  10,
	})

	if !s.admit("1.2.3.4") {
		t.Fatalf("expected first attempt from a fresh IP to be admitted")
	}
	<-s.sem // release the semaphore slot as handleStream's defer would
	if s.admit("1.2.3.4") {
		t.Fatalf("expected second attempt within PerIPMinInterval to be rejected")
	}
}

// TestBootstrapServerAdmitAllowsDifferentIPs confirms the per-IP limiter is
// keyed independently.
func TestBootstrapServerAdmitAllowsDifferentIPs(t *testing.T) {
	s := newTestBootstrapServer(t, BootstrapServerConfig{
		PerIPMinInterval: 10 * time.Second,
		IPListMaxSize:    100,
		MaxSimultaneous:  10,
	})
	if !s.admit("1.1.1.1") {
		t.Fatalf("expected first IP to be admitted")
	}
	if !s.admit("2.2.2.2") {
		t.Fatalf("expected a different IP to be admitted independently")
	}
}

// TestBootstrapServerAdmitCapsIPListSize covers the ip_list_max_size bound:
// once the tracked-IP table is full, a never-seen IP is rejected outright.
func TestBootstrapServerAdmitCapsIPListSize(t *testing.T) {
	s := newTestBootstrapServer(t, BootstrapServerConfig{
		PerIPMinInterval: time.Millisecond,
		IPListMaxSize:    1,
		MaxSimultaneous:  10,
	})
	if !s.admit("1.1.1.1") {
		t.Fatalf("expected the first IP to be admitted")
	}
	<-s.sem
	if s.admit("2.2.2.2") {
		t.Fatalf("expected a second distinct IP to be rejected once the IP list is full")
	}
}

// TestBootstrapServerAdmitCapsSimultaneousSessions covers
// max_simultaneous_bootstraps: once the semaphore is exhausted, even a
// fresh IP is rejected.
func TestBootstrapServerAdmitCapsSimultaneousSessions(t *testing.T) {
	s := newTestBootstrapServer(t, BootstrapServerConfig{
		PerIPMinInterval: time.Millisecond,
		IPListMaxSize:    100,
		MaxSimultaneous:  1,
	})
	if !s.admit("1.1.1.1") {
		t.Fatalf("expected first session to be admitted")
	}
	if s.admit("2.2.2.2") {
		t.Fatalf("expected second concurrent session to be rejected while the first holds the only slot")
	}
}

// TestLedgerPartOfPagesInAddressOrder walks a 5-entry snapshot in pages of
// two and checks the cursor advances without skipping or repeating entries.
func TestLedgerPartOfPagesInAddressOrder(t *testing.T) {
	entries := []AddressEntry{
		{Address: Address{1}}, {Address: Address{2}}, {Address: Address{3}},
		{Address: Address{4}}, {Address: Address{5}},
	}

	var after *Address
	var got []AddressEntry
	pages := 0
	for {
		page, end := ledgerPartOf(entries, after, 2)
		pages++
		got = append(got, page...)
		if end {
			break
		}
		if len(page) == 0 {
			t.Fatalf("empty page not marked final")
		}
		last := page[len(page)-1].Address
		after = &last
	}

	if pages != 3 {
		t.Fatalf("expected 3 pages, got %d", pages)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries total, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].Address != entries[i].Address {
			t.Fatalf("entry %d: got %v want %v", i, got[i].Address, entries[i].Address)
		}
	}
}

// TestLedgerPartOfEmptySnapshot: an empty snapshot yields one final, empty
// page, the end-of-stream sentinel for a ledger with no entries.
func TestLedgerPartOfEmptySnapshot(t *testing.T) {
	page, end := ledgerPartOf(nil, nil, 10)
	if !end {
		t.Fatalf("expected the empty snapshot's only page to be final")
	}
	if len(page) != 0 {
		t.Fatalf("expected no entries, got %d", len(page))
	}
}
