package handler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// byteRange is a resolved half-open byte range [Start, End) of a file.
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) len() int64 { return r.End - r.Start }

// parseRangeHeader resolves a Range header value against a file of totalSize
// bytes. Supported forms, all with an exclusive end offset:
//
//	bytes=start-end    [start, end)
//	bytes=start-       [start, totalSize)
//	bytes=-suffix      the last min(suffix, totalSize) bytes
//
// Error messages are part of the serving protocol and are returned verbatim
// to the client.
func parseRangeHeader(header string, totalSize int64) (byteRange, error) {
	const unit = "bytes="
	if !strings.HasPrefix(header, unit) {
		return byteRange{}, fmt.Errorf("Invalid format: range header must be of the form %s<spec>", unit)
	}
	spec := strings.TrimPrefix(header, unit)

	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return byteRange{}, fmt.Errorf("Invalid format: invalid range spec %q", spec)
	}
	startStr, endStr := parts[0], parts[1]
	if startStr == "" && endStr == "" {
		return byteRange{}, errors.New("Invalid range: no start or end offset")
	}

	if startStr == "" {
		// Suffix form: the last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return byteRange{}, fmt.Errorf("Unable to parse end of range offset value %s", endStr)
		}
		if n > totalSize {
			n = totalSize
		}
		return byteRange{Start: totalSize - n, End: totalSize}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, fmt.Errorf("Unable to parse start of range value %s", startStr)
	}

	end := totalSize
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < 0 {
			return byteRange{}, fmt.Errorf("Unable to parse end of range value %s", endStr)
		}
	}
	if start > end {
		return byteRange{}, fmt.Errorf("Start of range %d is out of order with end of range %d", start, end)
	}
	if end > totalSize {
		return byteRange{}, fmt.Errorf("End of range %d is larger than total file size %d", end, totalSize)
	}
	return byteRange{Start: start, End: end}, nil
}
