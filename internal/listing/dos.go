package listing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// dosRe matches the WFTPD-for-MSDOS / "DOS DIR" line format described in
// spec §4.B: "MM-DD-YY HH:MM [AM|PM]  (<size>|<DIR>)  name".
var dosRe = regexp.MustCompile(
	`^(\d{2})-(\d{2})-(\d{2})\s+(\d{1,2}):(\d{2})\s*([AaPp][Mm])\s+(<DIR>|\d+)\s+(.*)$`)

func parseDOS(line string, loc *time.Location) (*Entry, bool) {
	m := dosRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}

	month, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, false
	}
	day, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	yy, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, false
	}
	year := yy + 1900
	if yy < 70 {
		year = yy + 2000
	}

	hour, err := strconv.Atoi(m[4])
	if err != nil {
		return nil, false
	}
	min, err := strconv.Atoi(m[5])
	if err != nil {
		return nil, false
	}
	ampm := strings.ToLower(m[6])
	if ampm == "pm" && hour < 12 {
		hour += 12
	} else if ampm == "am" && hour == 12 {
		hour = 0
	}

	sizeField := m[7]
	name := m[8]

	e := &Entry{
		Name:    name,
		Time:    time.Date(year, time.Month(month), day, hour, min, 0, 0, loc),
		HasTime: true,
	}
	if sizeField == "<DIR>" {
		e.Type = TypeDir
		e.Size = 0
	} else {
		e.Type = TypeFile
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			return nil, false
		}
		e.Size = size
	}
	return e, true
}
