package tracker

import (
	"slices"
	"strings"
	"unicode/utf16"

	"github.com/xiy/autodelete/pkg/types"
)

const markerDelimiter = '#'

// EncodeMarkers converts exclusion hashtags to UTF-16, the unit Telegram
// uses for entity offsets. A leading '#' in the configured value is dropped
// and empty values are skipped.
func EncodeMarkers(tags []string) [][]uint16 {
	out := make([][]uint16, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), string(markerDelimiter))
		if tag == "" {
			continue
		}
		out = append(out, utf16.Encode([]rune(tag)))
	}
	return out
}

// Eligible reports whether ev should become a tracked record. It has no side
// effects.
func Eligible(ev types.Event, exclusions [][]uint16) bool {
	if ev.Kind != types.EventMessage {
		return false
	}
	if ev.OriginID == 0 || ev.RecordID == 0 || ev.CreatedAt <= 0 {
		return false
	}
	return !HasExcludedMarker(ev.Text, ev.Markers, exclusions)
}

// HasExcludedMarker reports whether any marker in text, after dropping one
// leading '#', equals one of exclusions exactly. Markers are resolved against
// the UTF-16 encoding of text; out-of-range markers are ignored.
func HasExcludedMarker(text string, markers []types.Marker, exclusions [][]uint16) bool {
	if len(markers) == 0 || len(exclusions) == 0 {
		return false
	}

	var units []uint16
	for _, m := range markers {
		// Cheap length check before encoding the text.
		if !lengthMatches(m.Length, exclusions) {
			continue
		}
		if units == nil {
			units = utf16.Encode([]rune(text))
		}
		end := m.Offset + m.Length
		if m.Offset < 0 || m.Length <= 0 || end > len(units) {
			continue
		}
		slice := units[m.Offset:end]
		if slice[0] == markerDelimiter {
			slice = slice[1:]
		}
		for _, ex := range exclusions {
			if slices.Equal(slice, ex) {
				return true
			}
		}
	}
	return false
}

func lengthMatches(length int, exclusions [][]uint16) bool {
	for _, ex := range exclusions {
		if length == len(ex) || length == len(ex)+1 {
			return true
		}
	}
	return false
}
