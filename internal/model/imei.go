package model

import "strconv"

// ValidIMEI reports whether s is a plausible device identifier:
// all decimal digits with a value in [10^13, 10^15). Auto-provisioning
// refuses anything outside this range.
func ValidIMEI(s IMEI) bool {
	if len(s) == 0 || len(s) > 15 {
		return false
	}
	n, err := strconv.ParseUint(string(s), 10, 64)
	if err != nil {
		return false
	}
	return n >= 1e13 && n < 1e15
}
