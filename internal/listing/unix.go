package listing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// unixRe matches a Unix "ls -l" style line per spec §4.B: type char, nine
// permission chars with an optional trailing ACL '+', link count, owner,
// group, size, a two- or three-token date, and the name (captured
// verbatim, including any internal runs of spaces, since entry names may
// legitimately contain them).
var unixRe = regexp.MustCompile(
	`^([-dl])([-rwxXstST]{9})(\+)?\s+(\d+)\s+(\S+)\s+(\S+)\s+(\d+)\s+` +
		`([A-Za-z]{3}\s+\S{1,2}\s+(?:\d{1,2}:\d{2}|\d{4}))\s(.*)$`)

func parseUnix(line string, now time.Time, loc *time.Location) (*Entry, bool) {
	m := unixRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	typeChar, permStr, acl, _, owner, group, sizeStr, dateStr, name := m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8], m[9]

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, false
	}

	perm, sticky := parseUnixPerm(permStr)

	t, ok := parseUnixDate(dateStr, now, loc)
	if !ok {
		return nil, false
	}

	e := &Entry{
		Size:    size,
		Time:    t,
		HasTime: true,
		Perm:    &perm,
		Sticky:  sticky,
		Owner:   owner,
		Group:   group,
		ACL:     acl == "+",
		Name:    name,
	}

	switch typeChar {
	case "d":
		e.Type = TypeDir
	case "l":
		e.Type = TypeSymlink
		if idx := strings.Index(name, " -> "); idx >= 0 {
			e.Name = name[:idx]
			e.Target = name[idx+len(" -> "):]
		}
	default:
		e.Type = TypeFile
	}

	return e, true
}

// parseUnixPerm decomposes the 9-character rwx string into user/group/other
// triples, applying the sticky-bit rewrite rules from spec §4.B: a
// trailing 't' sets sticky and is treated as execute=true; a trailing 'T'
// sets sticky and is treated as execute=false.
func parseUnixPerm(s string) (Perm, bool) {
	sticky := false
	last := s[8]
	switch last {
	case 't':
		sticky = true
		s = s[:8] + "x"
	case 'T':
		sticky = true
		s = s[:8] + "-"
	}
	triple := func(r, w, x byte) Triple {
		return Triple{Read: r == 'r', Write: w == 'w', Execute: x == 'x' || x == 's' || x == 'S'}
	}
	return Perm{
		User:  triple(s[0], s[1], s[2]),
		Group: triple(s[3], s[4], s[5]),
		Other: triple(s[6], s[7], s[8]),
	}, sticky
}

// parseUnixDate parses the two date shapes: "Mon DD HH:MM" (year omitted,
// inferred relative to now) or "Mon DD YYYY" (year given, time zero).
func parseUnixDate(s string, now time.Time, loc *time.Location) (time.Time, bool) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return time.Time{}, false
	}
	month, ok := months[strings.ToLower(fields[0])]
	if !ok {
		return time.Time{}, false
	}
	day, err := strconv.Atoi(fields[1])
	if err != nil {
		return time.Time{}, false
	}

	if strings.Contains(fields[2], ":") {
		hm := strings.SplitN(fields[2], ":", 2)
		hour, err1 := strconv.Atoi(hm[0])
		min, err2 := strconv.Atoi(hm[1])
		if err1 != nil || err2 != nil {
			return time.Time{}, false
		}
		return inferYear(now, loc, month, day, hour, min), true
	}

	year, err := strconv.Atoi(fields[2])
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

// inferYear applies spec §4.B's year-inference rule: assume the current
// year; if that places the date more than 28 hours in the future, it
// must be last year; if it places the date more than 186 days in the
// past, it must be next year.
func inferYear(now time.Time, loc *time.Location, month time.Month, day, hour, min int) time.Time {
	year := now.Year()
	t := time.Date(year, month, day, hour, min, 0, 0, loc)
	if t.Sub(now) > 28*time.Hour {
		t = t.AddDate(-1, 0, 0)
	} else if now.Sub(t) > 186*24*time.Hour {
		t = t.AddDate(1, 0, 0)
	}
	return t
}
