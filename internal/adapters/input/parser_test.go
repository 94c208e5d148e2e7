package input

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestSSHLogParser(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	parser := NewSSHLogParser(SSHParserConfig{Location: time.UTC, Clock: fixedClock(now)})

	tests := []struct {
		name     string
		line     string
		ok       bool
		wantErr  bool
		identity string
		target   string
		outcome  domain.Outcome
		ts       time.Time
	}{
		{
			name:     "failed password",
			line:     "Mar 15 11:59:01 web1 sshd[1234]: Failed password for root from 203.0.113.7 port 52144 ssh2",
			ok:       true,
			identity: "203.0.113.7",
			target:   "root",
			outcome:  domain.OutcomeFailure,
			ts:       time.Date(2026, 3, 15, 11, 59, 1, 0, time.UTC),
		},
		{
			name:     "failed password for invalid user",
			line:     "Mar  5 08:00:00 web1 sshd[99]: Failed password for invalid user oracle from 198.51.100.4 port 4022 ssh2",
			ok:       true,
			identity: "198.51.100.4",
			target:   "oracle",
			outcome:  domain.OutcomeFailure,
			ts:       time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC),
		},
		{
			name:     "invalid user",
			line:     "Mar 15 10:00:00 web1 sshd[77]: Invalid user test from 192.0.2.9 port 60000",
			ok:       true,
			identity: "192.0.2.9",
			target:   "test",
			outcome:  domain.OutcomeFailure,
		},
		{
			name: "pam authentication failure is left to the sshd line",
			line: "Mar 15 10:00:00 web1 sshd[78]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=192.0.2.10  user=root",
		},
		{
			name:     "preauth close",
			line:     "Mar 15 10:00:00 web1 sshd[79]: Connection closed by authenticating user admin 192.0.2.11 port 41000 [preauth]",
			ok:       true,
			identity: "192.0.2.11",
			target:   "admin",
			outcome:  domain.OutcomeFailure,
		},
		{
			name:     "accepted publickey",
			line:     "Mar 15 10:00:00 web1 sshd[77]: Accepted publickey for deploy from 10.0.0.5 port 50000 ssh2: ED25519 SHA256:abc",
			ok:       true,
			identity: "10.0.0.5",
			target:   "deploy",
			outcome:  domain.OutcomeSuccess,
		},
		{
			name:     "journalctl short-iso",
			line:     "2026-03-15T11:00:00+0000 web1 sshd[1]: Failed password for root from 2001:db8::1 port 22 ssh2",
			ok:       true,
			identity: "2001:db8::1",
			target:   "root",
			outcome:  domain.OutcomeFailure,
			ts:       time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC),
		},
		{
			name:     "rsyslog high precision with mapped address",
			line:     "2026-03-15T11:00:00.123456+01:00 web1 sshd-session[1]: Failed password for root from ::ffff:198.51.100.1 port 22 ssh2",
			ok:       true,
			identity: "198.51.100.1",
			target:   "root",
			outcome:  domain.OutcomeFailure,
			ts:       time.Date(2026, 3, 15, 10, 0, 0, 123456000, time.UTC),
		},
		{
			name: "unrelated sshd line",
			line: "Mar 15 10:00:00 web1 sshd[77]: Received disconnect from 192.0.2.11 port 41000:11: Bye Bye [preauth]",
		},
		{
			name: "other daemon",
			line: "Mar 15 10:00:00 web1 CRON[12]: pam_unix(cron:session): session opened for user root",
		},
		{
			name: "empty rhost",
			line: "Mar 15 10:00:00 web1 sshd[77]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=  user=root",
		},
		{
			name: "empty line",
			line: "",
		},
		{
			name:    "hostname instead of address",
			line:    "Mar 15 10:00:00 web1 sshd[77]: Failed password for root from attacker.example port 22 ssh2",
			wantErr: true,
		},
		{
			name:    "oversized line",
			line:    "sshd" + strings.Repeat("A", MaxLineLength),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := parser.Parse(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, ok)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if !tt.ok {
				return
			}
			assert.Equal(t, tt.identity, ev.Identity)
			assert.Equal(t, tt.target, ev.Target)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Equal(t, tt.line, ev.Raw)
			if !tt.ts.IsZero() {
				assert.True(t, tt.ts.Equal(ev.Time), "got %s want %s", ev.Time, tt.ts)
			}
		})
	}
}

func TestSSHLogParser_YearRollover(t *testing.T) {
	now := time.Date(2027, 1, 1, 0, 5, 0, 0, time.UTC)
	parser := NewSSHLogParser(SSHParserConfig{Location: time.UTC, Clock: fixedClock(now)})

	ev, ok, err := parser.Parse("Dec 31 23:59:58 web1 sshd[1]: Failed password for root from 203.0.113.7 port 22 ssh2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 12, 31, 23, 59, 58, 0, time.UTC), ev.Time)

	ev, ok, err = parser.Parse("Jan  1 00:04:00 web1 sshd[1]: Failed password for root from 203.0.113.7 port 22 ssh2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2027, ev.Time.Year())
}

func TestSSHLogParser_Location(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, loc)
	parser := NewSSHLogParser(SSHParserConfig{Location: loc, Clock: fixedClock(now)})

	ev, ok, err := parser.Parse("Jun  1 11:00:00 web1 sshd[1]: Invalid user x from 192.0.2.1 port 1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), ev.Time.UTC())
}

func TestSSHLogParser_HostileUsername(t *testing.T) {
	parser := NewSSHLogParser(SSHParserConfig{Location: time.UTC, Clock: fixedClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))})

	long := strings.Repeat("a", 300)
	ev, ok, err := parser.Parse("Mar 15 10:00:00 web1 sshd[77]: Invalid user " + long + " from 192.0.2.50 port 22")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, ev.Target, 64)

	ev, ok, err = parser.Parse("Mar 15 10:00:00 web1 sshd[77]: Invalid user \x1b[2Jroot from 192.0.2.50 port 22")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[2Jroot", ev.Target)
}

func countFailures(t *testing.T, parser *SSHLogParser, lines []string) map[string]int {
	t.Helper()
	got := make(map[string]int)
	for _, line := range lines {
		ev, ok, err := parser.Parse(line)
		require.NoError(t, err, line)
		if ok && ev.Outcome == domain.OutcomeFailure {
			got[ev.Identity]++
		}
	}
	return got
}

func TestSSHLogParser_OneFailurePerAttempt(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  map[string]int
	}{
		{
			name: "three mistyped passwords",
			lines: []string{
				"Mar 15 10:00:01 web1 sshd[500]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=198.51.100.9  user=alice",
				"Mar 15 10:00:03 web1 sshd[500]: Failed password for alice from 198.51.100.9 port 40022 ssh2",
				"Mar 15 10:00:06 web1 sshd[500]: Failed password for alice from 198.51.100.9 port 40022 ssh2",
				"Mar 15 10:00:09 web1 sshd[500]: Failed password for alice from 198.51.100.9 port 40022 ssh2",
				"Mar 15 10:00:09 web1 sshd[500]: Connection closed by authenticating user alice 198.51.100.9 port 40022 [preauth]",
				"Mar 15 10:00:09 web1 sshd[500]: PAM 2 more authentication failures; logname= uid=0 euid=0 tty=ssh ruser= rhost=198.51.100.9  user=alice",
			},
			want: map[string]int{"198.51.100.9": 3},
		},
		{
			name: "invalid user with one password",
			lines: []string{
				"Mar 15 10:01:00 web1 sshd[501]: Invalid user oracle from 203.0.113.7 port 5100",
				"Mar 15 10:01:01 web1 sshd[501]: pam_unix(sshd:auth): check pass; user unknown",
				"Mar 15 10:01:01 web1 sshd[501]: pam_unix(sshd:auth): authentication failure; logname= uid=0 euid=0 tty=ssh ruser= rhost=203.0.113.7",
				"Mar 15 10:01:03 web1 sshd[501]: Failed password for invalid user oracle from 203.0.113.7 port 5100 ssh2",
				"Mar 15 10:01:03 web1 sshd[501]: Connection closed by invalid user oracle 203.0.113.7 port 5100 [preauth]",
			},
			want: map[string]int{"203.0.113.7": 1},
		},
		{
			name: "invalid user retried within one connection",
			lines: []string{
				"Mar 15 10:02:00 web1 sshd[502]: Invalid user test from 203.0.113.8 port 5200",
				"Mar 15 10:02:01 web1 sshd[502]: Failed password for invalid user test from 203.0.113.8 port 5200 ssh2",
				"Mar 15 10:02:03 web1 sshd[502]: Failed password for invalid user test from 203.0.113.8 port 5200 ssh2",
			},
			want: map[string]int{"203.0.113.8": 2},
		},
		{
			name: "invalid user without a password attempt",
			lines: []string{
				"Mar 15 10:03:00 web1 sshd[503]: Invalid user admin from 203.0.113.9 port 5300",
				"Mar 15 10:03:00 web1 sshd[503]: Connection closed by invalid user admin 203.0.113.9 port 5300 [preauth]",
			},
			want: map[string]int{"203.0.113.9": 1},
		},
		{
			name: "rejected keys only",
			lines: []string{
				"Mar 15 10:04:00 web1 sshd[504]: Connection closed by authenticating user root 192.0.2.20 port 5400 [preauth]",
			},
			want: map[string]int{"192.0.2.20": 1},
		},
		{
			name: "interleaved connections keep their own state",
			lines: []string{
				"Mar 15 10:05:00 web1 sshd[600]: Invalid user a from 192.0.2.30 port 1",
				"Mar 15 10:05:00 web1 sshd[601]: Invalid user b from 192.0.2.31 port 2",
				"Mar 15 10:05:01 web1 sshd[601]: Failed password for invalid user b from 192.0.2.31 port 2 ssh2",
				"Mar 15 10:05:01 web1 sshd[600]: Failed password for invalid user a from 192.0.2.30 port 1 ssh2",
				"Mar 15 10:05:02 web1 sshd[600]: Failed password for invalid user a from 192.0.2.30 port 1 ssh2",
			},
			want: map[string]int{"192.0.2.30": 2, "192.0.2.31": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewSSHLogParser(SSHParserConfig{Location: time.UTC, Clock: fixedClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))})
			assert.Equal(t, tt.want, countFailures(t, parser, tt.lines))
		})
	}
}

func TestSSHLogParser_PidReuseAfterDisconnect(t *testing.T) {
	parser := NewSSHLogParser(SSHParserConfig{Location: time.UTC, Clock: fixedClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))})

	got := countFailures(t, parser, []string{
		"Mar 15 10:00:00 web1 sshd[700]: Failed password for root from 192.0.2.40 port 1 ssh2",
		"Mar 15 10:00:01 web1 sshd[700]: Received disconnect from 192.0.2.40 port 1:11: Bye [preauth]",
		"Mar 15 10:10:00 web1 sshd[700]: Connection closed by authenticating user root 192.0.2.40 port 9 [preauth]",
	})
	assert.Equal(t, map[string]int{"192.0.2.40": 2}, got)
}
