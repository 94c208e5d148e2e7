package input

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xoelrdgz/sshwarden/internal/domain"
	"github.com/xoelrdgz/sshwarden/pkg/sanitize"
)

// MaxLineLength bounds the lines the parser accepts. sshd never writes
// anything close to it.
const MaxLineLength = 8192

var (
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrLineTooLong      = errors.New("log line exceeds maximum length")
)

var (
	syslogHeader = regexp.MustCompile(`^([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+sshd(?:-session)?(?:\[(\d+)\])?:\s+(.*)$`)
	isoHeader    = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\s+(\S+)\s+sshd(?:-session)?(?:\[(\d+)\])?:\s+(.*)$`)

	sessionEnd = regexp.MustCompile(`^(?:Connection closed by|Connection reset by|Disconnected from|Received disconnect from)\s`)
)

type lineKind int

const (
	lineFailed lineKind = iota
	lineInvalidUser
	linePAMFailure
	linePreauthClose
	lineAccepted
)

// message patterns name their captures "user" and "addr".
var messagePatterns = []struct {
	re   *regexp.Regexp
	kind lineKind
}{
	{regexp.MustCompile(`^Failed (?:password|publickey|none|keyboard-interactive/pam|keyboard-interactive) for (?P<invalid>invalid user )?(?P<user>\S*) from (?P<addr>\S+) port \d+`), lineFailed},
	{regexp.MustCompile(`^Invalid user (?P<user>\S*) from (?P<addr>\S+)`), lineInvalidUser},
	{regexp.MustCompile(`authentication failure;.*\srhost=(?P<addr>\S+)(?:\s+user=(?P<user>\S+))?`), linePAMFailure},
	{regexp.MustCompile(`^Connection closed by authenticating user (?P<user>\S+) (?P<addr>\S+) port \d+ \[preauth\]`), linePreauthClose},
	{regexp.MustCompile(`^Accepted (?:password|publickey|keyboard-interactive/pam|keyboard-interactive|gssapi-with-mic) for (?P<user>\S+) from (?P<addr>\S+) port \d+`), lineAccepted},
}

// maxSessions bounds the per-connection state kept between lines.
const maxSessions = 8192

// sshSession is what the parser remembers about one sshd connection.
type sshSession struct {
	failed bool
	// credit absorbs the "Failed ... for invalid user" line that follows an
	// already counted "Invalid user" line.
	credit bool
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

type SSHParserConfig struct {
	// Location applies to timestamps that carry no zone. Defaults to
	// time.Local.
	Location *time.Location
	Clock    func() time.Time
}

// SSHLogParser extracts authentication outcomes from sshd log lines in
// classic syslog or ISO-8601 (journalctl -o short-iso, rsyslog high
// precision) form.
//
// sshd reports one login attempt on several lines (pam_unix, "Invalid
// user", "Failed password", the preauth close). The parser follows each
// connection by host and pid and yields one failure per attempt. Lines
// without a pid cannot be grouped, so only "Failed" lines count for them.
// It is safe for concurrent use by several sources.
type SSHLogParser struct {
	loc *time.Location
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]*sshSession
}

func NewSSHLogParser(cfg SSHParserConfig) *SSHLogParser {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &SSHLogParser{loc: cfg.Location, now: cfg.Clock, sessions: make(map[string]*sshSession)}
}

// Parse returns ok=false for lines that are not sshd authentication
// outcomes, and for lines that repeat an attempt already reported. An error
// means the line looked like one but could not be read.
func (p *SSHLogParser) Parse(line string) (domain.AuthEvent, bool, error) {
	if len(line) > MaxLineLength {
		return domain.AuthEvent{}, false, ErrLineTooLong
	}
	if !strings.Contains(line, "sshd") {
		return domain.AuthEvent{}, false, nil
	}
	line = strings.TrimRight(line, "\r\n")

	var (
		stamp, host, pid, msg string
		syslog                bool
	)
	if m := syslogHeader.FindStringSubmatch(line); m != nil {
		stamp, host, pid, msg, syslog = m[1], m[2], m[3], m[4], true
	} else if m := isoHeader.FindStringSubmatch(line); m != nil {
		stamp, host, pid, msg = m[1], m[2], m[3], m[4]
	} else {
		return domain.AuthEvent{}, false, nil
	}
	key := ""
	if pid != "" {
		key = host + "/" + pid
	}

	for _, pat := range messagePatterns {
		m := pat.re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		if pat.kind == linePAMFailure {
			// sshd follows with its own "Failed" line; rhost may also be a
			// hostname here.
			return domain.AuthEvent{}, false, nil
		}
		addr := m[pat.re.SubexpIndex("addr")]
		user := m[pat.re.SubexpIndex("user")]

		ip, err := netip.ParseAddr(addr)
		if err != nil {
			return domain.AuthEvent{}, false, fmt.Errorf("%w: source %q is not an address", ErrInvalidLogFormat, addr)
		}

		var ts time.Time
		if syslog {
			ts, err = p.syslogTime(stamp)
		} else {
			ts, err = p.isoTime(stamp)
		}
		if err != nil {
			return domain.AuthEvent{}, false, err
		}

		forInvalid := false
		if i := pat.re.SubexpIndex("invalid"); i > 0 {
			forInvalid = m[i] != ""
		}
		if !p.counts(key, pat.kind, forInvalid) {
			return domain.AuthEvent{}, false, nil
		}

		outcome := domain.OutcomeFailure
		if pat.kind == lineAccepted {
			outcome = domain.OutcomeSuccess
		}
		return domain.AuthEvent{
			Identity: ip.Unmap().WithZone("").String(),
			Time:     ts,
			Outcome:  outcome,
			Target:   sanitize.Username(user),
			Raw:      line,
		}, true, nil
	}

	if key != "" && sessionEnd.MatchString(msg) {
		p.mu.Lock()
		delete(p.sessions, key)
		p.mu.Unlock()
	}
	return domain.AuthEvent{}, false, nil
}

// counts reports whether a recognized line is a new attempt for its
// connection, updating the connection state.
func (p *SSHLogParser) counts(key string, kind lineKind, forInvalid bool) bool {
	if key == "" {
		return kind == lineFailed || kind == lineAccepted
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if kind == lineAccepted {
		delete(p.sessions, key)
		return true
	}

	sess, ok := p.sessions[key]
	if !ok {
		if len(p.sessions) >= maxSessions {
			clear(p.sessions)
		}
		sess = &sshSession{}
		p.sessions[key] = sess
	}

	switch kind {
	case lineInvalidUser:
		sess.failed = true
		sess.credit = true
		return true
	case lineFailed:
		sess.failed = true
		if forInvalid && sess.credit {
			sess.credit = false
			return false
		}
		return true
	case linePreauthClose:
		delete(p.sessions, key)
		return !sess.failed
	}
	return false
}

// syslogTime reads a year-less "Jan _2 15:04:05" stamp. The year is taken
// from the clock; a stamp that would land more than a day in the future
// belongs to the previous year (December lines read in January).
func (p *SSHLogParser) syslogTime(stamp string) (time.Time, error) {
	now := p.now().In(p.loc)
	stamp = strings.Join(strings.Fields(stamp), " ")
	t, err := time.ParseInLocation("Jan 2 15:04:05 2006", fmt.Sprintf("%s %d", stamp, now.Year()), p.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidLogFormat, stamp)
	}
	if t.After(now.Add(24 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t, nil
}

func (p *SSHLogParser) isoTime(stamp string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, stamp, p.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrInvalidLogFormat, stamp)
}
