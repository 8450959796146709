package listing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// now mirrors jlaffaye/ftp's parse_test.go fixture time so the
// year-inference vectors below line up with the reference client's
// expectations.
var fixedNow = time.Date(2017, time.March, 10, 23, 0, 0, 0, time.UTC)

var thisYear = fixedNow.Year()
var previousYear = thisYear - 1

func date(year int, month time.Month, day int, hm ...int) time.Time {
	var hour, min int
	if len(hm) == 2 {
		hour, min = hm[0], hm[1]
	}
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestParseUnixListLine(t *testing.T) {
	cases := []struct {
		line   string
		name   string
		size   int64
		typ    Type
		time   time.Time
		target string
	}{
		{"drwxr-xr-x    3 110      1002            3 Dec 02  2009 pub", "pub", 0, TypeDir, date(2009, time.December, 2), ""},
		{"drwxr-xr-x    3 110      1002            3 Dec 02  2009 p u b", "p u b", 0, TypeDir, date(2009, time.December, 2), ""},
		{"-rw-r--r--   1 marketwired marketwired    12016 Mar 16  2016 2016031611G087802-001.newsml", "2016031611G087802-001.newsml", 12016, TypeFile, date(2016, time.March, 16), ""},
		{"-rwxr-xr-x    3 110      1002            1234567 Dec 02  2009 fileName", "fileName", 1234567, TypeFile, date(2009, time.December, 2), ""},
		{"lrwxrwxrwx   1 root     other          7 Jan 25 00:17 bin -> usr/bin", "bin", 0, TypeSymlink, date(thisYear, time.January, 25, 0, 17), "usr/bin"},
		{"----------   1 owner    group         1803128 Jul 10 10:18 ls-lR.Z", "ls-lR.Z", 1803128, TypeFile, date(thisYear, time.July, 10, 10, 18), ""},
		{"d---------   1 owner    group               0 Nov  9 19:45 Softlib", "Softlib", 0, TypeDir, date(previousYear, time.November, 9, 19, 45), ""},
		{"-rwxrwxrwx   1 noone    nogroup      322 Aug 19  1996 message.ftp", "message.ftp", 322, TypeFile, date(1996, time.August, 19), ""},
		{"drwxr-xr-x    3 110      1002            3 Dec 02  2009 spaces   dir   name", "spaces   dir   name", 0, TypeDir, date(2009, time.December, 2), ""},
		{"-rwxr-xr-x    3 110      1002            1234567 Dec 02  2009 file   name", "file   name", 1234567, TypeFile, date(2009, time.December, 2), ""},
		{"-rwxr-xr-x    3 110      1002            1234567 Dec 02  2009  foo bar ", " foo bar ", 1234567, TypeFile, date(2009, time.December, 2), ""},
		{"-r--------   0 user group     65222236 Feb 24 00:39 RegularFile", "RegularFile", 65222236, TypeFile, date(thisYear, time.February, 24, 0, 39), ""},
	}

	for _, c := range cases {
		e, ok := parseUnix(c.line, fixedNow, time.UTC)
		require.True(t, ok, "line: %s", c.line)
		assert.Equal(t, c.name, e.Name, "line: %s", c.line)
		assert.Equal(t, c.typ, e.Type, "line: %s", c.line)
		assert.Equal(t, c.size, e.Size, "line: %s", c.line)
		assert.True(t, e.Time.Equal(c.time), "line: %s got %v want %v", c.line, e.Time, c.time)
		if c.target != "" {
			assert.Equal(t, c.target, e.Target)
		}
	}
}

func TestParseUnixListLineUnsupported(t *testing.T) {
	bad := []string{
		"d [R----F--] supervisor            512       Jan 16 18:53 login",
		"total 1",
		"",
		"Zrwxrwxrwx   1 root     other          7 Jan 25 00:17 bin -> usr/bin",
	}
	for _, line := range bad {
		_, ok := parseUnix(line, fixedNow, time.UTC)
		assert.False(t, ok, "line: %s", line)
	}
}

func TestParseUnixStickyBit(t *testing.T) {
	e, ok := parseUnix("drwxrwxrwt    3 110      1002            3 Dec 02  2009 tmp", fixedNow, time.UTC)
	require.True(t, ok)
	assert.True(t, e.Sticky)
	assert.True(t, e.Perm.Other.Execute)

	e2, ok := parseUnix("drwxrwxrwT    3 110      1002            3 Dec 02  2009 tmp", fixedNow, time.UTC)
	require.True(t, ok)
	assert.True(t, e2.Sticky)
	assert.False(t, e2.Perm.Other.Execute)
}

func TestParseUnixACLFlag(t *testing.T) {
	e, ok := parseUnix("drwxr-xr-x+    3 110      1002            3 Dec 02  2009 pub", fixedNow, time.UTC)
	require.True(t, ok)
	assert.True(t, e.ACL)
}

func TestYearInferenceScenario(t *testing.T) {
	// spec §8 scenario 7: "Jan 01 00:00 foo" in December of year Y -> Y-01-01
	december := time.Date(thisYear, time.December, 15, 12, 0, 0, 0, time.UTC)
	e, ok := parseUnix("-rw-r--r--   1 owner    group         1 Jan 01 00:00 foo", december, time.UTC)
	require.True(t, ok)
	assert.Equal(t, thisYear, e.Time.Year())

	// parsed more than 186 days after Jan 1 of the same assumed year -> next year
	october := time.Date(thisYear, time.October, 15, 12, 0, 0, 0, time.UTC)
	e2, ok := parseUnix("-rw-r--r--   1 owner    group         1 Jan 01 00:00 foo", october, time.UTC)
	require.True(t, ok)
	assert.Equal(t, thisYear+1, e2.Time.Year())
}
