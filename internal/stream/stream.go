// Package stream plans and executes HTTP byte-range reads for media playback.
package stream

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Chunk sizes tuned per workload: audio seeks are frequent and small, video
// reads benefit from larger buffers.
const (
	AudioChunkSize = 64 * 1024
	VideoChunkSize = 256 * 1024
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`bytes=(\d*)-(\d*)`)

// Plan is a bounded byte range plus the HTTP status to respond with.
// Start and End are inclusive offsets.
type Plan struct {
	Start  int64
	End    int64
	Status int
}

// ContentLength returns the number of bytes the plan will emit.
func (p Plan) ContentLength() int64 { return p.End - p.Start + 1 }

// PlanRange derives a Plan from the file size and a client Range header.
// Without a header the full extent is planned with status 200. With a header
// the status is 206; the form is "bytes=<start>-<end>" where an absent start
// means 0 and an absent end means fileSize-1. Unparsable bounds fall back to
// their defaults rather than failing the request (deliberate leniency, not
// strict RFC conformance). The result always satisfies 0 <= start <= end <
// fileSize.
func PlanRange(fileSize int64, rangeHeader string) Plan {
	start, end := int64(0), fileSize-1
	status := http.StatusOK

	if rangeHeader != "" {
		status = http.StatusPartialContent
		if m := rangeRegex.FindStringSubmatch(rangeHeader); m != nil {
			if m[1] != "" {
				if v, err := strconv.ParseInt(m[1], 10, 64); err == nil {
					start = v
				}
			}
			if m[2] != "" {
				if v, err := strconv.ParseInt(m[2], 10, 64); err == nil {
					end = v
				}
			}
		}
	}

	if start < 0 {
		start = 0
	}
	if start > fileSize-1 {
		start = fileSize - 1
		if start < 0 {
			start = 0
		}
	}
	if end < start {
		end = fileSize - 1
	}
	if end > fileSize-1 {
		end = fileSize - 1
	}

	return Plan{Start: start, End: end, Status: status}
}

// WriteHeaders sets the range response headers. Both 200 and 206 responses
// carry Content-Range and Accept-Ranges so media elements can seek.
func (p Plan) WriteHeaders(h http.Header, fileSize int64) {
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", p.Start, p.End, fileSize))
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Length", strconv.FormatInt(p.ContentLength(), 10))
}

// Copy writes the planned range from f to w in chunks no larger than
// chunkSize, never reading past the planned end. A short read (the source is
// exhausted early) ends the transfer without error. The sequence is forward
// only and not restartable; a new seek is a new Plan.
func Copy(w io.Writer, f *os.File, p Plan, chunkSize int64) (int64, error) {
	if _, err := f.Seek(p.Start, io.SeekStart); err != nil {
		return 0, err
	}

	remaining := p.ContentLength()
	if remaining <= 0 {
		return 0, nil
	}
	if chunkSize <= 0 {
		chunkSize = AudioChunkSize
	}
	buf := make([]byte, chunkSize)

	var written int64
	for remaining > 0 {
		n := chunkSize
		if remaining < n {
			n = remaining
		}
		rn, rerr := f.Read(buf[:n])
		if rn > 0 {
			wn, werr := w.Write(buf[:rn])
			written += int64(wn)
			remaining -= int64(rn)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, rerr
		}
	}
	return written, nil
}

// MediaType infers a content type from the file extension. Types outside the
// expected family ("audio" or "video") are replaced by the generic fallback
// instead of rejecting the request.
func MediaType(path, family, fallback string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" || !strings.HasPrefix(ct, family+"/") {
		return fallback
	}
	return ct
}
