package checker

import (
	"sort"
	"time"
)

// ResultCode is the outcome of checking one bitstream.
type ResultCode string

// Result codes recorded in the checksum history.
const (
	ChecksumMatch            ResultCode = "CHECKSUM_MATCH"
	ChecksumNoMatch          ResultCode = "CHECKSUM_NO_MATCH"
	ChecksumPrevNotFound     ResultCode = "CHECKSUM_PREV_NOT_FOUND"
	ChecksumAlgorithmInvalid ResultCode = "CHECKSUM_ALGORITHM_INVALID"
	BitstreamNotFound        ResultCode = "BITSTREAM_NOT_FOUND"
	BitstreamInfoNotFound    ResultCode = "BITSTREAM_INFO_NOT_FOUND"
	BitstreamNotProcessed    ResultCode = "BITSTREAM_NOT_PROCESSED"
	BitstreamMarkedDeleted   ResultCode = "BITSTREAM_MARKED_DELETED"
)

var descriptions = map[ResultCode]string{
	ChecksumMatch:            "Current checksum matched previous checksum",
	ChecksumNoMatch:          "Current checksum does not match previous checksum",
	ChecksumPrevNotFound:     "Previous checksum was not found: no comparison possible",
	ChecksumAlgorithmInvalid: "Invalid checksum algorithm",
	BitstreamNotFound:        "The bitstream could not be found",
	BitstreamInfoNotFound:    "Bitstream info not found",
	BitstreamNotProcessed:    "Bitstream could not be processed",
	BitstreamMarkedDeleted:   "Bitstream marked deleted in bitstream table",
}

// AllResultCodes returns every result code, sorted.
func AllResultCodes() []ResultCode {
	codes := make([]ResultCode, 0, len(descriptions))
	for code := range descriptions {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Valid reports whether c is a known result code.
func (c ResultCode) Valid() bool {
	_, ok := descriptions[c]
	return ok
}

// Description returns a human readable explanation of c.
func (c ResultCode) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return string(c)
}

// Problem reports whether c needs a human to look at the bitstream.
func (c ResultCode) Problem() bool {
	switch c {
	case ChecksumNoMatch, BitstreamNotFound, BitstreamNotProcessed, ChecksumAlgorithmInvalid:
		return true
	}
	return false
}

// Result is the outcome of checking one bitstream.
type Result struct {
	BitstreamID  int64
	InternalID   string
	Name         string
	Size         int64
	Algorithm    string
	Expected     string
	Calculated   string
	Code         ResultCode
	MatchedPrev  bool
	ProcessStart time.Time
	ProcessEnd   time.Time
	Err          error // I/O error behind BITSTREAM_NOT_PROCESSED, if any
}
