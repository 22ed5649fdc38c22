// Package timecode converts between frame counts and SMPTE-style timecode
// strings, including drop-frame handling for 29.97 and 59.94 fps.
package timecode

import (
	"fmt"
	"math"
	"strings"
)

const dropFrameTolerance = 0.01

// RequiresDropFrame reports whether the given frame rate uses drop-frame
// timecode.
func RequiresDropFrame(fps float64) bool {
	return math.Abs(fps-29.97) < dropFrameTolerance || math.Abs(fps-59.94) < dropFrameTolerance
}

// FromFrames converts a frame count to a timecode string. Non-drop rates
// produce HH:MM:SS:FF; drop-frame rates produce HH:MM:SS;FF. Negative inputs
// are clamped to zero. It never fails.
func FromFrames(totalFrames int64, fps float64) string {
	if totalFrames < 0 {
		totalFrames = 0
	}

	if RequiresDropFrame(fps) {
		return fromFramesDrop(totalFrames, fps)
	}

	return fromFramesNonDrop(totalFrames, fps)
}

// FromMilliseconds converts a millisecond duration to a non-drop timecode
// string. This is the vMix path: vMix reports elapsed wall time, so the
// nominal frame count is formatted without drop-frame accounting.
func FromMilliseconds(ms int64, fps float64) string {
	if ms < 0 {
		ms = 0
	}

	return fromFramesNonDrop(int64(math.Floor(float64(ms)*fps/1000)), fps)
}

func fromFramesNonDrop(totalFrames int64, fps float64) string {
	r := nominalRate(fps)

	ff := totalFrames % r
	totalSeconds := totalFrames / r
	ss := totalSeconds % 60
	mm := (totalSeconds / 60) % 60
	hh := (totalSeconds / 3600) % 24

	return fmt.Sprintf("%02d:%02d:%02d:%02d", hh, mm, ss, ff)
}

// fromFramesDrop renumbers frames so that displayed timecode tracks wall
// time: the first two (or four, above 30 fps) frame numbers of every minute
// are skipped, except for minutes divisible by ten.
func fromFramesDrop(totalFrames int64, fps float64) string {
	r := nominalRate(fps)

	dropped := int64(2)
	if fps > 30 {
		dropped = 4
	}

	framesPer10Min := int64(math.Round(fps * 600))
	framesPerMin := r*60 - dropped

	tenMinBlocks := totalFrames / framesPer10Min
	rem := totalFrames % framesPer10Min

	adjusted := totalFrames + dropped*9*tenMinBlocks
	if rem > dropped {
		// The first minute of each block keeps all its frame numbers.
		adjusted += dropped * ((rem - dropped) / framesPerMin)
	}

	ff := adjusted % r
	ss := (adjusted / r) % 60
	mm := (adjusted / (r * 60)) % 60
	hh := (adjusted / (r * 3600)) % 24

	return fmt.Sprintf("%02d:%02d:%02d;%02d", hh, mm, ss, ff)
}

// ToFrames parses a timecode string produced by [FromFrames] back to a frame
// count.
func ToFrames(tc string, fps float64) (int64, error) {
	drop := strings.ContainsRune(tc, ';')
	normalized := strings.ReplaceAll(tc, ";", ":")

	var hh, mm, ss, ff int64
	if _, err := fmt.Sscanf(normalized, "%02d:%02d:%02d:%02d", &hh, &mm, &ss, &ff); err != nil {
		return 0, fmt.Errorf("parse timecode %q: %w", tc, err)
	}

	r := nominalRate(fps)
	frames := ((hh*3600 + mm*60 + ss) * r) + ff

	if drop {
		dropped := int64(2)
		if fps > 30 {
			dropped = 4
		}

		totalMinutes := hh*60 + mm
		frames -= dropped * (totalMinutes - totalMinutes/10)
	}

	return frames, nil
}

func nominalRate(fps float64) int64 {
	r := int64(math.Round(fps))
	if r < 1 {
		r = 1
	}

	return r
}
