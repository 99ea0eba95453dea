package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/vcotools/vco-collector/pkg/vco"
)

// HumanTimeLayout is the operator-facing time format for the collection
// window, interpreted in the local zone.
const HumanTimeLayout = "2006-01-02 15:04:05"

// ParseHumanTime parses an operator-supplied timestamp.
func ParseHumanTime(s string) (time.Time, error) {
	return time.ParseInLocation(HumanTimeLayout, strings.TrimSpace(s), time.Local)
}

// OutputFilename builds the archive filename for a collection window:
// output-<Collection>_<start>_to_<stop>.json, with colons and spaces
// replaced so the name is safe on every filesystem. A .gz suffix is
// appended when the archive is compressed.
func OutputFilename(dir, collection string, iv vco.Interval, compress bool) string {
	name := "output-" + collection +
		"_" + timestampToken(iv.Start) +
		"_to_" + timestampToken(iv.End) +
		".json"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

func timestampToken(t time.Time) string {
	s := t.Format(HumanTimeLayout)
	s = strings.ReplaceAll(s, ":", "-")
	return strings.ReplaceAll(s, " ", "_")
}
