package detection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

func TestWhitelist_Contains(t *testing.T) {
	w, err := NewWhitelist([]string{"127.0.0.1", "::1", "192.168.0.0/16", "2001:db8::/32"})
	require.NoError(t, err)

	tests := []struct {
		identity string
		want     bool
	}{
		{"127.0.0.1", true},
		{"::1", true},
		{"192.168.10.20", true},
		{"::ffff:192.168.1.1", true},
		{"2001:db8::42", true},
		{"10.0.0.1", false},
		{"2001:db9::1", false},
		{"not-an-ip", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(tt.identity))
		})
	}
}

func TestWhitelist_AddRemove(t *testing.T) {
	w, err := NewWhitelist(nil)
	require.NoError(t, err)

	canonical, err := w.Add(" 10.1.2.3/32 ")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", canonical)
	assert.True(t, w.Contains("10.1.2.3"))

	canonical, err = w.Add("10.9.8.7/8")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", canonical)

	assert.Equal(t, []string{"10.0.0.0/8", "10.1.2.3"}, w.Entries())

	ok, err := w.Remove("10.0.0.0/8")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.Remove("10.0.0.0/8")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, w.Len())
}

func TestWhitelist_InvalidEntries(t *testing.T) {
	_, err := NewWhitelist([]string{"10.0.0.1", "bogus"})
	assert.Error(t, err)

	for _, entry := range []string{"", "10.0.0.0/33", "host.example", "::ffff:0:0/90", "::ffff:0:0/8", "::ffff:10.0.0.0/95"} {
		_, err := ParseWhitelistEntry(entry)
		assert.ErrorIs(t, err, domain.ErrInvalidWhitelistEntry, entry)
	}
}

func TestParseWhitelistEntry(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"10.0.0.1", "10.0.0.1"},
		{"::ffff:10.0.0.1", "10.0.0.1"},
		{"2001:DB8::1", "2001:db8::1"},
		{"::ffff:10.0.0.0/104", "10.0.0.0/8"},
		{"::ffff:10.1.2.3/104", "10.0.0.0/8"},
		{"::ffff:0:0/96", "0.0.0.0/0"},
		{"::ffff:10.0.0.1/128", "10.0.0.1"},
		{"192.168.1.77/24", "192.168.1.0/24"},
	}

	for _, tt := range tests {
		got, err := ParseWhitelistEntry(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestWhitelist_MappedPrefixCoversIPv4(t *testing.T) {
	w, err := NewWhitelist([]string{"::ffff:10.0.0.0/104"})
	require.NoError(t, err)
	assert.True(t, w.Contains("10.20.30.40"))
	assert.True(t, w.Contains("::ffff:10.20.30.40"))
	assert.False(t, w.Contains("11.0.0.1"))
}
