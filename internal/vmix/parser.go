package vmix

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Status is the subset of the vMix API snapshot this system consumes.
type Status struct {
	Recording        bool
	Streaming        bool
	DurationMs       int64
	ActiveInputTitle string
	ActiveInputState string
}

// The vMix API is not guaranteed to be well-formed XML under load, so the
// fields are extracted with tolerant regular expressions rather than a DOM
// parser.
var (
	rootRE      = regexp.MustCompile(`(?i)<vmix[\s>]`)
	recordingRE = regexp.MustCompile(`(?is)<recording[^>]*>\s*(true|false)\s*</recording>`)
	streamingRE = regexp.MustCompile(`(?is)<streaming[^>]*>\s*(true|false)\s*</streaming>`)
	durationRE  = regexp.MustCompile(`(?is)<duration>\s*(\d+)\s*</duration>`)
	inputRE     = regexp.MustCompile(`(?is)<input\b[^>]*>`)
	stateAttrRE = regexp.MustCompile(`(?i)\bstate="([^"]*)"`)
	titleAttrRE = regexp.MustCompile(`(?i)\btitle="([^"]*)"`)
)

// parseAPI extracts the transport-relevant fields from a vMix API response
// body.
func parseAPI(body []byte) (Status, error) {
	var status Status

	if len(strings.TrimSpace(string(body))) == 0 {
		return status, errors.New("empty response body")
	}
	if !rootRE.Match(body) {
		return status, errors.New("response has no <vmix> root")
	}

	if m := recordingRE.FindSubmatch(body); m != nil {
		status.Recording = strings.EqualFold(string(m[1]), "true")
	}
	if m := streamingRE.FindSubmatch(body); m != nil {
		status.Streaming = strings.EqualFold(string(m[1]), "true")
	}
	if m := durationRE.FindSubmatch(body); m != nil {
		// The pattern guarantees digits; overflow alone can fail here.
		status.DurationMs, _ = strconv.ParseInt(string(m[1]), 10, 64)
	}

	// The first input which is Running or Paused is the active one.
	for _, tag := range inputRE.FindAll(body, -1) {
		m := stateAttrRE.FindSubmatch(tag)
		if m == nil {
			continue
		}

		state := string(m[1])
		if !strings.EqualFold(state, "Running") && !strings.EqualFold(state, "Paused") {
			continue
		}

		status.ActiveInputState = state
		if tm := titleAttrRE.FindSubmatch(tag); tm != nil {
			status.ActiveInputTitle = string(tm[1])
		}
		break
	}

	return status, nil
}
