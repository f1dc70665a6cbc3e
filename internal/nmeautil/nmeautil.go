// Package nmeautil holds the pieces of NMEA-0183 shared by the text
// protocols: the sentence checksum, degrees-minutes conversion and
// RMC time composition.
package nmeautil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrChecksum  = errors.New("nmea checksum mismatch")
	ErrMalformed = errors.New("malformed nmea sentence")
)

// KnotsToKmh converts RMC speed-over-ground to km/h. Speeds are stored
// in km/h everywhere in the pipeline.
func KnotsToKmh(knots float64) float64 { return knots * 1.852 }

// Checksum XORs the characters between '$' and '*'.
func Checksum(body string) byte {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return sum
}

// StripAndVerify validates "$BODY*HH" and returns BODY.
// Sentences without a trailing checksum are accepted as-is.
func StripAndVerify(sentence string) (string, error) {
	sentence = strings.TrimRight(sentence, "\r\n")
	if len(sentence) < 2 || sentence[0] != '$' {
		return "", ErrMalformed
	}
	body := sentence[1:]
	star := strings.LastIndexByte(body, '*')
	if star < 0 {
		return body, nil
	}
	if len(body)-star != 3 {
		return "", ErrMalformed
	}
	want, err := strconv.ParseUint(body[star+1:], 16, 8)
	if err != nil {
		return "", ErrMalformed
	}
	body = body[:star]
	if Checksum(body) != byte(want) {
		return "", ErrChecksum
	}
	return body, nil
}

// ParseDegMin converts a ddmm.mmmm (lat) or dddmm.mmmm (lon) field plus
// hemisphere letter to signed decimal degrees.
func ParseDegMin(field, hemi string) (float64, error) {
	dot := strings.IndexByte(field, '.')
	if dot < 3 {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, field)
	}
	deg, err := strconv.ParseFloat(field[:dot-2], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, field)
	}
	min, err := strconv.ParseFloat(field[dot-2:], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, field)
	}
	v := deg + min/60
	switch hemi {
	case "N", "E", "":
	case "S", "W":
		v = -v
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformed, hemi)
	}
	return v, nil
}

// ComposeTime builds a UTC timestamp from RMC hhmmss[.sss] and ddmmyy
// fields. Two-digit years below 80 map into 20xx.
func ComposeTime(hms, dmy string) (time.Time, error) {
	if len(hms) < 6 || len(dmy) != 6 {
		return time.Time{}, fmt.Errorf("%w: time %q date %q", ErrMalformed, hms, dmy)
	}
	hour, err1 := strconv.Atoi(hms[0:2])
	min, err2 := strconv.Atoi(hms[2:4])
	sec, err3 := strconv.Atoi(hms[4:6])
	day, err4 := strconv.Atoi(dmy[0:2])
	mon, err5 := strconv.Atoi(dmy[2:4])
	yy, err6 := strconv.Atoi(dmy[4:6])
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time %q date %q", ErrMalformed, hms, dmy)
		}
	}
	year := 2000 + yy
	if yy >= 80 {
		year = 1900 + yy
	}
	var nsec int
	if len(hms) > 7 {
		frac, err := strconv.ParseFloat("0"+hms[6:], 64)
		if err == nil {
			nsec = int(frac * 1e9)
		}
	}
	return time.Date(year, time.Month(mon), day, hour, min, sec, nsec, time.UTC), nil
}
