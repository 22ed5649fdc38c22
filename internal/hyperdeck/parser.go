package hyperdeck

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/superdash/superdash/internal/domain"
)

// response is a single parsed control response or asynchronous notification.
type response struct {
	code   int
	name   string
	fields map[string]string
}

// parser accumulates protocol lines into responses. Responses begin with a
// three-digit code; a header ending in ":" opens a multi-line response which
// a blank line terminates. Lines are CR/LF tolerant.
type parser struct {
	cur *response
}

// feed consumes one line, without its trailing newline, and returns a
// completed response or nil.
func (p *parser) feed(line string) *response {
	line = strings.TrimRight(line, "\r")

	if p.cur == nil {
		code, name, multi, ok := parseHeader(line)
		if !ok {
			return nil
		}

		r := &response{code: code, name: name, fields: make(map[string]string)}
		if !multi {
			return r
		}

		p.cur = r
		return nil
	}

	if line == "" {
		r := p.cur
		p.cur = nil
		return r
	}

	if key, value, ok := strings.Cut(line, ":"); ok {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		p.cur.fields[key] = strings.TrimSpace(value)
	}

	return nil
}

func parseHeader(line string) (code int, name string, multi bool, ok bool) {
	if len(line) < 3 {
		return 0, "", false, false
	}

	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 0, "", false, false
	}

	rest := strings.TrimSpace(line[3:])
	multi = strings.HasSuffix(rest, ":")
	name = strings.ToLower(strings.TrimSuffix(rest, ":"))

	return code, name, multi, true
}

// normalizeStatus maps a HyperDeck transport status string to the normalised
// transport state. Anything that is not playing or recording (stopped,
// preview, shuttle, jog, and so on) is stop.
func normalizeStatus(status string) domain.TransportState {
	switch strings.ToLower(status) {
	case "play", "playing":
		return domain.TransportStatePlay
	case "record", "recording":
		return domain.TransportStateRec
	default:
		return domain.TransportStateStop
	}
}

var (
	timecodeRE     = regexp.MustCompile(`^\d{2}:\d{2}:\d{2}[:;]\d{2}$`)
	timecodeBareRE = regexp.MustCompile(`^\d{8}$`)
)

// normalizeTimecode maps the timecode formats HyperDecks emit to
// HH:MM:SS:FF. The second return is false for unrecognised input, which is
// passed through unchanged.
func normalizeTimecode(tc string) (string, bool) {
	switch {
	case timecodeRE.MatchString(tc):
		return strings.ReplaceAll(tc, ";", ":"), true
	case timecodeBareRE.MatchString(tc):
		return tc[0:2] + ":" + tc[2:4] + ":" + tc[4:6] + ":" + tc[6:8], true
	default:
		return tc, false
	}
}
