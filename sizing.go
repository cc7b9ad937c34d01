package chm

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is used in structure padding to prevent false sharing
// between adjacent Guards.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})
