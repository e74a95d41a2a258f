package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomIDRegex validates room identifier format
	RoomIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

	// SegmentFileRegex validates HLS segment filenames before they are used
	// to resolve a filesystem path. Anything else is rejected, which also
	// covers path traversal.
	SegmentFileRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+\.(ts|m4s)$`)

	// PlaylistFileRegex validates HLS playlist filenames.
	PlaylistFileRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+\.m3u8$`)
)

// ValidateRoomID validates room identifier
func ValidateRoomID(roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	if len(roomID) > 100 {
		return fmt.Errorf("room id is too long (max 100 characters)")
	}
	if !RoomIDRegex.MatchString(roomID) {
		return fmt.Errorf("room id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateDisplayName validates a participant display name
func ValidateDisplayName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("display name is required")
	}
	if utf8.RuneCountInString(name) > 64 {
		return fmt.Errorf("display name is too long (max 64 characters)")
	}
	return nil
}

// ValidateSegmentFile validates an HLS segment filename
func ValidateSegmentFile(name string) error {
	if name == "" {
		return fmt.Errorf("segment name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("segment name is too long")
	}
	if !SegmentFileRegex.MatchString(name) {
		return fmt.Errorf("invalid segment name")
	}
	return nil
}

// ValidatePlaylistFile validates an HLS playlist filename
func ValidatePlaylistFile(name string) error {
	if name == "" {
		return fmt.Errorf("playlist name is required")
	}
	if !PlaylistFileRegex.MatchString(name) {
		return fmt.Errorf("invalid playlist name")
	}
	return nil
}
