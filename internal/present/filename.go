package present

import (
	"strconv"
	"strings"
	"time"
)

// isoMillis matches the ISO-8601 form with millisecond precision in UTC.
const isoMillis = "2006-01-02T15:04:05.000Z"

var unsafeName = strings.NewReplacer(":", "-", ".", "-")

// FileName builds "<prefix>-<count>-<timestamp>.<ext>". The timestamp is t in
// UTC ISO-8601 with ':' and '.' replaced by '-', e.g.
// "pills-12-2024-03-09T14-05-33-250Z.jpg".
func FileName(prefix string, count int, t time.Time, ext string) string {
	ts := unsafeName.Replace(t.UTC().Format(isoMillis))
	name := prefix + "-" + strconv.Itoa(count) + "-" + ts

	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return name
	}
	return name + "." + ext
}
