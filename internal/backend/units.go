// Copyright 2025 SAP SE
// SPDX-License-Identifier: Apache-2.0

package backend

// Sizes are MB locally and GB in block storage.

func GBToMB(gb int) int64 {
	return int64(gb) * 1024
}

// Round up to whole GB, so that a volume is never smaller than requested.
func MBToGB(mb int64) int {
	return int((mb + 1023) / 1024)
}

// Quota values keep -1 as unlimited.
func quotaToMB(gb int64) int64 {
	if gb < 0 {
		return gb
	}
	return gb * 1024
}

func quotaToGB(mb int64) int64 {
	if mb < 0 {
		return mb
	}
	return (mb + 1023) / 1024
}
