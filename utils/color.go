package utils

import (
	"log/slog"
	"strconv"
	"strings"
)

// ParseHexColor parses a hex color string (like "#FACF24") into an integer for Discord embeds.
// Returns the default red color (0xff0000) if parsing fails.
func ParseHexColor(hexColor string) int {
	if hexColor == "" {
		return 0xff0000
	}

	hexColor = strings.TrimPrefix(hexColor, "#")

	colorInt, err := strconv.ParseInt(hexColor, 16, 64)
	if err != nil {
		slog.Warn("failed to parse hex color", "color", hexColor, "error", err)
		return 0xff0000
	}

	return int(colorInt)
}
