package goftp

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/netfold/goftp/internal/listing"
)

// This file is the Client Façade (spec §4.F): thin, named wrappers over
// the Dispatcher and Broker mapping directly to wire commands, plus the
// pack-wide supplemented operations documented in SPEC_FULL.md.

// rawCommand sends full verbatim and returns its terminal (code, text)
// without treating a 4xx/5xx as a Go error -- the same contract spec
// §4.F describes for site(), generalized to quote()/setOption().
func (s *Session) rawCommand(full string, promote bool) (int, string, error) {
	var last Result
	for res := range s.disp.Send(full, promote) {
		last = res
	}
	if last.Err != nil {
		var pe *ProtocolError
		if errors.As(last.Err, &pe) {
			return pe.Code, pe.Text, nil
		}
		return 0, "", last.Err
	}
	return last.Code, last.Text, nil
}

// Site sends "SITE cmd" and returns its reply verbatim, per spec §4.F.
func (s *Session) Site(cmd string) (code int, text string, err error) {
	return s.rawCommand("SITE "+cmd, false)
}

// Quote is the supplemented escape hatch: send an arbitrary command and
// get back its (code, text), the same mechanism Site is built on,
// generalized to any verb.
func (s *Session) Quote(cmd string, args ...string) (code int, text string, err error) {
	full := cmd
	if len(args) > 0 {
		full += " " + strings.Join(args, " ")
	}
	return s.rawCommand(full, false)
}

// Host sends "HOST name" (RFC 7151), selecting a virtual host on a
// shared FTP front end.
func (s *Session) Host(name string) error {
	res, err := s.sendOne("HOST "+name, false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "HOST", Code: res.Code, Text: res.Text}
	}
	return nil
}

// SetOption sends "OPTS feature value", e.g. SetOption("UTF8", "ON").
func (s *Session) SetOption(feature, value string) error {
	code, text, err := s.rawCommand(fmt.Sprintf("OPTS %s %s", feature, value), false)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		return &ProtocolError{Command: "OPTS", Code: code, Text: text}
	}
	return nil
}

// Noop sends a user-initiated NOOP, independent of the Dispatcher's own
// keepalive injection.
func (s *Session) Noop() error {
	_, err := s.sendOne("NOOP", false)
	return err
}

// Status returns the raw text of STAT.
func (s *Session) Status() (string, error) {
	res, err := s.sendOne("STAT", false)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// System returns the first token of SYST's reply, e.g. "UNIX".
func (s *Session) System() (string, error) {
	res, err := s.sendOne("SYST", false)
	if err != nil {
		return "", err
	}
	if fields := strings.Fields(res.Text); len(fields) > 0 {
		return fields[0], nil
	}
	return res.Text, nil
}

// Ascii and Binary flip TYPE. Per spec §9's open question, Ascii does
// not itself perform any CRLF translation -- that remains the server's
// responsibility, unchanged from the source behavior.
func (s *Session) Ascii() error  { return s.setType("A") }
func (s *Session) Binary() error { return s.setType("I") }

func (s *Session) setType(t string) error {
	res, err := s.sendOne("TYPE "+t, false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "TYPE", Code: res.Code, Text: res.Text}
	}
	s.mu.Lock()
	s.typ = t
	s.mu.Unlock()
	return nil
}

// Abort sends ABOR. Per DESIGN.md's Open Question 3, immediate is
// accepted for API parity but always results in promotion -- the
// original's Boolean(immediate) coercion meant an explicit false never
// actually suppressed promotion in the one call site that mattered, and
// that observable behavior is preserved rather than "fixed".
func (s *Session) Abort(immediate bool) error {
	_ = immediate
	res, err := s.sendOne("ABOR", true)
	if err != nil {
		if IsProtocolError(err, 426) {
			return nil
		}
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "ABOR", Code: res.Code, Text: res.Text}
	}
	return nil
}

// Cwd sends CWD path.
func (s *Session) Cwd(path string) error {
	res, err := s.sendOne("CWD "+path, false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "CWD", Code: res.Code, Text: res.Text}
	}
	return nil
}

// Cdup sends CDUP, falling back to CWD ".." on 502 and caching the
// fallback per spec §4.F.
func (s *Session) Cdup() error {
	if !s.isUnsupported("CDUP") {
		res, err := s.sendOne("CDUP", false)
		if err == nil {
			if res.Code/100 == 2 {
				return nil
			}
		} else if !IsProtocolError(err, 502) {
			return err
		}
		s.markUnsupported("CDUP")
	}
	res, err := s.sendOne("CWD ..", true)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "CWD", Code: res.Code, Text: res.Text}
	}
	return nil
}

var quotedPathRe = regexp.MustCompile(`"([^"]*)"`)

func extractQuotedPath(text string) (string, bool) {
	m := quotedPathRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Pwd sends PWD and extracts the quoted path, falling back to
// CWD "." (promoted) on 502 per spec §4.F.
func (s *Session) Pwd() (string, error) {
	if !s.isUnsupported("PWD") {
		res, err := s.sendOne("PWD", false)
		if err == nil {
			if p, ok := extractQuotedPath(res.Text); ok {
				return p, nil
			}
		} else if !IsProtocolError(err, 502) {
			return "", err
		}
		s.markUnsupported("PWD")
	}
	res, err := s.sendOne("CWD .", true)
	if err != nil {
		return "", err
	}
	if p, ok := extractQuotedPath(res.Text); ok {
		return p, nil
	}
	return "", fmt.Errorf("ftp: cannot determine current directory: %s", res.Text)
}

// Delete sends DELE path.
func (s *Session) Delete(path string) error {
	res, err := s.sendOne("DELE "+path, false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "DELE", Code: res.Code, Text: res.Text}
	}
	return nil
}

// Rename issues RNFR old followed by a promoted RNTO new, per spec
// §4.F. The RNFR intermediate 3xx reply is treated as success by
// sendOne (class 2 or 3 both advance without error).
func (s *Session) Rename(from, to string) error {
	if _, err := s.sendOne("RNFR "+from, false); err != nil {
		return err
	}
	res, err := s.sendOne("RNTO "+to, true)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "RNTO", Code: res.Code, Text: res.Text}
	}
	return nil
}

// Logout issues REIN, dropping authentication without closing the
// control connection, per the supplemented wire semantics in
// SPEC_FULL.md.
func (s *Session) Logout() error {
	res, err := s.sendOne("REIN", false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "REIN", Code: res.Code, Text: res.Text}
	}
	return nil
}

// Mkdir sends MKD path. When recursive, it emulates "mkdir -p": an
// absolute path first CWDs to "/", then each segment is walked with CWD,
// creating any segment that 550s with MKD before continuing; the
// original working directory is always restored.
func (s *Session) Mkdir(path string, recursive bool) error {
	if !recursive {
		res, err := s.sendOne("MKD "+path, false)
		if err != nil {
			return err
		}
		if res.Code/100 != 2 {
			return &ProtocolError{Command: "MKD", Code: res.Code, Text: res.Text}
		}
		return nil
	}

	orig, err := s.Pwd()
	if err != nil {
		return err
	}
	defer func() { _, _ = s.sendOne("CWD "+orig, true) }()

	segs := strings.Split(path, "/")
	if strings.HasPrefix(path, "/") {
		if err := s.Cwd("/"); err != nil {
			return err
		}
	}
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		res, err := s.sendOne("CWD "+seg, false)
		if err != nil {
			if !IsProtocolError(err, 550) {
				return err
			}
			res.Code = 550
		}
		if res.Code == 550 {
			if _, err := s.sendOne("MKD "+seg, false); err != nil {
				return err
			}
			if _, err := s.sendOne("CWD "+seg, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rmdir sends RMD path. When recursive, it lists path first, recursing
// into subdirectories and deleting files before removing path itself.
func (s *Session) Rmdir(path string, recursive bool) error {
	if recursive {
		items, err := s.List(path)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Entry == nil || it.Entry.Name == "." || it.Entry.Name == ".." {
				continue
			}
			child := path + "/" + it.Entry.Name
			if it.Entry.Type == listing.TypeDir {
				if err := s.Rmdir(child, true); err != nil {
					return err
				}
			} else if err := s.Delete(child); err != nil {
				return err
			}
		}
	}
	res, err := s.sendOne("RMD "+path, false)
	if err != nil {
		return err
	}
	if res.Code/100 != 2 {
		return &ProtocolError{Command: "RMD", Code: res.Code, Text: res.Text}
	}
	return nil
}

func parseMDTM(text string) (time.Time, error) {
	text = strings.TrimSpace(text)
	base := text
	if idx := strings.Index(text, "."); idx >= 0 {
		base = text[:idx]
	}
	t, err := time.Parse("20060102150405", base)
	if err != nil {
		return time.Time{}, &ParseError{Input: text, Err: err}
	}
	return t.UTC(), nil
}

// Size sends SIZE path, falling back to FileInfo on 502 per spec §4.F.
func (s *Session) Size(path string) (int64, error) {
	if !s.isUnsupported("SIZE") {
		res, err := s.sendOne("SIZE "+path, false)
		if err == nil {
			n, perr := strconv.ParseInt(strings.TrimSpace(res.Text), 10, 64)
			if perr != nil {
				return 0, &ParseError{Input: res.Text, Err: perr}
			}
			return n, nil
		}
		if !IsProtocolError(err, 502) {
			return 0, err
		}
		s.markUnsupported("SIZE")
	}
	info, err := s.FileInfo(path)
	if err != nil {
		return 0, err
	}
	if info.Entry == nil {
		return 0, fmt.Errorf("ftp: no size available for %s", path)
	}
	if info.Entry.Type == listing.TypeDir {
		return 0, fmt.Errorf("ftp: %s is a directory", path)
	}
	return info.Entry.Size, nil
}

// LastMod sends MDTM path, falling back to FileInfo on 502 per spec
// §4.F.
func (s *Session) LastMod(path string) (time.Time, error) {
	if !s.isUnsupported("MDTM") {
		res, err := s.sendOne("MDTM "+path, false)
		if err == nil {
			return parseMDTM(res.Text)
		}
		if !IsProtocolError(err, 502) {
			return time.Time{}, err
		}
		s.markUnsupported("MDTM")
	}
	info, err := s.FileInfo(path)
	if err != nil {
		return time.Time{}, err
	}
	if info.Entry == nil || !info.Entry.HasTime {
		return time.Time{}, fmt.Errorf("ftp: no modification time available for %s", path)
	}
	return info.Entry.Time, nil
}

// FileInfo sends MLST path when the server advertises MLST, else falls
// back to LIST and picks the first parsed entry, per spec §4.F.
func (s *Session) FileInfo(path string) (*listing.Item, error) {
	if _, ok := s.hasFeat("MLST"); ok && !s.isUnsupported("MLST") {
		res, err := s.sendOne("MLST "+path, false)
		if err == nil {
			if item := parseMLSTReply(res.Text); item != nil {
				return item, nil
			}
		} else if !IsProtocolError(err, 502) {
			return nil, err
		} else {
			s.markUnsupported("MLST")
		}
	}

	items, err := s.List(path)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if it.Entry != nil {
			return it, nil
		}
	}
	if len(items) > 0 {
		return items[0], nil
	}
	return nil, fmt.Errorf("ftp: no listing entry for %s", path)
}

// parseMLSTReply extracts the single fact line from an MLST reply body
// (the intro and terminator lines bracket it, same framing FEAT uses)
// and parses it the same way an MLSD line is parsed.
func parseMLSTReply(text string) *listing.Item {
	lines := strings.Split(text, "\n")
	if len(lines) <= 2 {
		return nil
	}
	now := time.Now().UTC()
	for _, line := range lines[1 : len(lines)-1] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if item := listing.ParseLine(line, listing.ModeMLSD, now, time.UTC); item != nil && item.Entry != nil {
			return item
		}
	}
	return nil
}

func (s *Session) listCommand(path string) string {
	cmd := "LIST"
	if _, ok := s.hasFeat("MLSD"); ok && !s.isUnsupported("MLSD") {
		cmd = "MLSD"
	}
	if path != "" {
		cmd += " " + path
	}
	return cmd
}

func (s *Session) listMode() listing.Mode {
	if _, ok := s.hasFeat("MLSD"); ok && !s.isUnsupported("MLSD") {
		return listing.ModeMLSD
	}
	return listing.ModeLIST
}

func (s *Session) parseListing(data []byte, mode listing.Mode) []*listing.Item {
	now := time.Now().UTC()
	var items []*listing.Item
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		if item := listing.ParseLine(line, mode, now, time.UTC); item != nil {
			items = append(items, item)
		}
	}
	return items
}

// List sends LIST (or MLSD when negotiated) for path and parses its
// entries.
func (s *Session) List(path string) ([]*listing.Item, error) {
	mode := s.listMode()
	data, err := s.broker.listBytes(s.listCommand(path))
	if err != nil {
		var pe *ProtocolError
		if errors.As(err, &pe) && (pe.Code == 500 || pe.Code == 502) && mode == listing.ModeMLSD {
			s.markUnsupported("MLSD")
			data, err = s.broker.listBytes(s.listCommand(path))
			mode = listing.ModeLIST
		}
		if err != nil {
			return nil, err
		}
	}
	return s.parseListing(data, mode), nil
}

// NameList sends NLST path and returns bare entry names.
func (s *Session) NameList(path string) ([]string, error) {
	cmd := "NLST"
	if path != "" {
		cmd += " " + path
	}
	data, err := s.broker.listBytes(cmd)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ListSafe does pwd -> cwd(path) -> list -> restore original directory,
// guaranteed even when list itself fails, per spec §4.F.
func (s *Session) ListSafe(path string) ([]*listing.Item, error) {
	orig, err := s.Pwd()
	if err != nil {
		return nil, err
	}
	defer func() { _, _ = s.sendOne("CWD "+orig, true) }()
	if err := s.Cwd(path); err != nil {
		return nil, err
	}
	return s.List("")
}

// Restart arms a REST offset to be sent immediately before the next
// Get/Put/Append.
func (s *Session) Restart(offset int64) {
	s.mu.Lock()
	s.restartOffset = offset
	s.mu.Unlock()
}

func (s *Session) consumeRestart() error {
	s.mu.Lock()
	off := s.restartOffset
	s.restartOffset = 0
	s.mu.Unlock()
	if off <= 0 {
		return nil
	}
	return s.expect(fmt.Sprintf("REST %d", off), false, 350)
}

// Get streams path's contents to w via RETR.
func (s *Session) Get(path string, w io.Writer) error {
	if err := s.consumeRestart(); err != nil {
		return err
	}
	return s.broker.retrieve("RETR "+path, w)
}

// Put streams r to path via STOR.
func (s *Session) Put(path string, r io.Reader) error {
	if err := s.consumeRestart(); err != nil {
		return err
	}
	return s.broker.store("STOR "+path, r)
}

// Append streams r to path via APPE.
func (s *Session) Append(path string, r io.Reader) error {
	if err := s.consumeRestart(); err != nil {
		return err
	}
	return s.broker.store("APPE "+path, r)
}

// PutSource mirrors the original dynamic put(source) signature for API
// parity: src may be an io.Reader (handled normally) or any other value.
// Per DESIGN.md's Open Question 2, a non-Reader source reproduces the
// source implementation's quirk of silently sending nothing and closing
// the data socket rather than returning an error.
func (s *Session) PutSource(path string, src any) error {
	if r, ok := src.(io.Reader); ok {
		return s.Put(path, r)
	}
	return s.Put(path, bytes.NewReader(nil))
}
