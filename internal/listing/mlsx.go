package listing

import (
	"strconv"
	"strings"
	"time"
)

// parseMLSx parses one RFC 3659 §7 machine-listing line:
// "fact1=val1;fact2=val2;...; name". Fact names are case-insensitive.
// A fact token with no '=' is treated as malformed and the whole line
// is rejected (falls back to a raw Item), matching the behavior
// reference FTP clients in the corpus expect for lines like
// "modify=...;invalid;UNIX.owner=0; movies".
func parseMLSx(line string, loc *time.Location) (*Entry, bool) {
	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		return nil, false
	}
	factsPart, name := line[:sp], line[sp+1:]
	if factsPart == "" || name == "" {
		return nil, false
	}

	facts := make(map[string]string)
	for _, tok := range strings.Split(strings.TrimSuffix(factsPart, ";"), ";") {
		if tok == "" {
			continue
		}
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			return nil, false
		}
		facts[strings.ToLower(kv[0])] = kv[1]
	}

	e := &Entry{Name: name, Size: -1}

	switch strings.ToLower(facts["type"]) {
	case "dir", "cdir", "pdir":
		e.Type = TypeDir
	case "file":
		e.Type = TypeFile
	default:
		e.Type = TypeUnknown
	}

	if sizeStr, ok := facts["size"]; ok {
		if size, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
			e.Size = size
		}
	}

	if modify, ok := facts["modify"]; ok {
		if t, ok := parseMLSxTime(modify, loc); ok {
			e.Time = t
			e.HasTime = true
		}
	}

	e.Owner = facts["unix.owner"]
	e.Group = facts["unix.group"]

	if mode, ok := facts["unix.mode"]; ok && len(mode) == 4 {
		if perm, ok := parseOctalMode(mode); ok {
			e.Perm = &perm
		}
	} else if perm, ok := facts["perm"]; ok {
		e.Perm = synthesizePermFromPerm(perm)
	}

	return e, true
}

// parseMLSxTime parses "YYYYMMDDHHMMSS[.fraction]" in UTC, per spec §4.B.
func parseMLSxTime(s string, _ *time.Location) (time.Time, bool) {
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		s = s[:idx]
	}
	t, err := time.ParseInLocation("20060102150405", s, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseOctalMode decomposes a 4-digit UNIX.mode octal string into
// user/group/other triples, per spec §4.B ("prefer UNIX.mode"). The
// leading digit (setuid/setgid/sticky) is ignored; only the final three
// digits map to the triples.
func parseOctalMode(mode string) (Perm, bool) {
	n, err := strconv.ParseInt(mode, 8, 32)
	if err != nil {
		return Perm{}, false
	}
	u := (n >> 6) & 7
	g := (n >> 3) & 7
	o := n & 7
	tripleFromBits := func(bits int64) Triple {
		return Triple{Read: bits&4 != 0, Write: bits&2 != 0, Execute: bits&1 != 0}
	}
	return Perm{
		User:  tripleFromBits(u),
		Group: tripleFromBits(g),
		Other: tripleFromBits(o),
	}, true
}

// synthesizePermFromPerm derives a user-only permission triple from the
// RFC 3659 "perm" fact letters when UNIX.mode is unavailable, per spec
// §4.B: a,c,m,p,w -> write; r -> read; e,l -> execute.
func synthesizePermFromPerm(perm string) *Perm {
	var t Triple
	for _, c := range perm {
		switch c {
		case 'a', 'c', 'm', 'p', 'w':
			t.Write = true
		case 'r':
			t.Read = true
		case 'e', 'l':
			t.Execute = true
		}
	}
	return &Perm{User: t}
}
