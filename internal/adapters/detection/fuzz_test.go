package detection_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/xoelrdgz/sshwarden/internal/adapters/detection"
)

func FuzzParseWhitelistEntry(f *testing.F) {
	seeds := []string{
		"127.0.0.1",
		"::1",
		"10.0.0.0/8",
		"10.1.2.3/8",
		"192.168.1.1/32",
		"::ffff:10.0.0.0/104",
		"::ffff:10.0.0.1",
		"fe80::1%eth0",
		"2001:db8::/32",
		"0.0.0.0/0",
		"::/0",
		" 203.0.113.7 ",
		"1.2.3.4/33",
		"example.com",
		"",
		"/",
		"\x00\xff",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, entry string) {
		canonical, err := detection.ParseWhitelistEntry(entry)
		if err != nil {
			return
		}

		again, err := detection.ParseWhitelistEntry(canonical)
		if err != nil {
			t.Fatalf("canonical form %q of %q does not parse: %v", canonical, entry, err)
		}
		if again != canonical {
			t.Fatalf("canonical form not stable: %q -> %q -> %q", entry, canonical, again)
		}

		wl, err := detection.NewWhitelist([]string{entry})
		if err != nil {
			t.Fatalf("NewWhitelist rejected an entry ParseWhitelistEntry accepted: %q", entry)
		}

		var member netip.Addr
		if p, err := netip.ParsePrefix(canonical); err == nil {
			member = p.Addr()
		} else {
			member = netip.MustParseAddr(canonical)
		}
		if !wl.Contains(member.String()) {
			t.Fatalf("whitelist from %q does not contain %s", entry, member)
		}
	})
}

func FuzzFailureTracker(f *testing.F) {
	f.Add("203.0.113.7", int64(0), int64(1), int64(2), int64(3))
	f.Add("203.0.113.7", int64(59), int64(0), int64(120), int64(-5))
	f.Add("", int64(1<<40), int64(-1<<40), int64(0), int64(0))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.Fuzz(func(t *testing.T, identity string, a, b, c, d int64) {
		clock := base.Add(time.Hour)
		tracker := detection.NewFailureTracker(detection.TrackerConfig{
			Window:        time.Minute,
			MaxIdentities: 4,
			Clock:         func() time.Time { return clock },
		})

		prev := 0
		for i, off := range []int64{a, b, c, d} {
			ts := base.Add(time.Duration(off%7200) * time.Second)
			n := tracker.RecordFailure(identity, ts)
			if n < 1 || n > i+1 {
				t.Fatalf("count %d after %d failures", n, i+1)
			}
			if n > prev+1 {
				t.Fatalf("count jumped from %d to %d", prev, n)
			}
			prev = n
		}
		if tracker.Len() > 4 {
			t.Fatalf("tracker holds %d identities, cap is 4", tracker.Len())
		}
		if got := tracker.Count(identity); got != prev {
			t.Fatalf("Count = %d, last RecordFailure returned %d", got, prev)
		}
	})
}
