package notify

import (
	"fmt"
	"strings"

	"github.com/dmitrijs2005/mediaingest/internal/server/tracker"
)

// HumanBytes renders n with binary units, e.g. 1536 -> "1.5 KiB".
func HumanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 5; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatMessage renders the plain-text progress message for s.
func FormatMessage(s tracker.Snapshot) string {
	var b strings.Builder

	switch {
	case s.Cancelled:
		b.WriteString("❌ Upload cancelled\n")
	case s.Done():
		b.WriteString("✅ Upload complete\n")
	default:
		b.WriteString("⬆️ Uploading\n")
	}

	name := s.Meta.Filename
	if name == "" {
		name = s.ID
	}
	fmt.Fprintf(&b, "File: %s\n", name)

	if s.Meta.ClientName != "" {
		fmt.Fprintf(&b, "Client: %s\n", s.Meta.ClientName)
	}
	if s.Meta.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s\n", s.Meta.ProjectName)
	}

	if s.Size > 0 {
		fmt.Fprintf(&b, "Progress: %.1f%% (%s / %s)\n", s.Percent(), HumanBytes(s.Offset), HumanBytes(s.Size))
	} else {
		fmt.Fprintf(&b, "Received: %s\n", HumanBytes(s.Offset))
	}
	if !s.Done() && s.Speed > 0 {
		fmt.Fprintf(&b, "Speed: %s/s\n", HumanBytes(int64(s.Speed)))
	}

	fmt.Fprintf(&b, "ID: %s", s.ID)
	return b.String()
}
