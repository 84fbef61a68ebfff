package mixer

import "sync"

// Per-tick scratch buffers are reused across ticks via sync.Pool rather
// than allocated fresh every 20ms: the slab-cache requirement this mirrors
// is process-wide, internally synchronized, and falls back to direct
// allocation whenever a pooled buffer is too small (New allocates fresh,
// and a pooled slice simply gets re-sliced to len when it's already large
// enough).

var decoded16Pool = sync.Pool{
	New: func() any {
		s := make([]int16, 0)
		return &s
	},
}

var decoded32Pool = sync.Pool{
	New: func() any {
		s := make([]int32, 0)
		return &s
	},
}

var mixed32Pool = sync.Pool{
	New: func() any {
		s := make([]int32, 0)
		return &s
	},
}

var outBytesPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0)
		return &b
	},
}

func getInt16Buf(n int) *[]int16 {
	p := decoded16Pool.Get().(*[]int16)
	*p = growInt16(*p, n)
	return p
}

func putInt16Buf(p *[]int16) {
	decoded16Pool.Put(p)
}

func getDecoded32Buf(n int) *[]int32 {
	p := decoded32Pool.Get().(*[]int32)
	*p = growInt32(*p, n)
	return p
}

func putDecoded32Buf(p *[]int32) {
	decoded32Pool.Put(p)
}

func getMixed32Buf(n int) *[]int32 {
	p := mixed32Pool.Get().(*[]int32)
	*p = growInt32(*p, n)
	return p
}

func putMixed32Buf(p *[]int32) {
	mixed32Pool.Put(p)
}

func getBytesBuf(n int) *[]byte {
	p := outBytesPool.Get().(*[]byte)
	if cap(*p) < n {
		*p = make([]byte, n)
	} else {
		*p = (*p)[:n]
	}
	return p
}

func putBytesBuf(p *[]byte) {
	outBytesPool.Put(p)
}

func growInt16(s []int16, n int) []int16 {
	if cap(s) < n {
		s = make([]int16, n)
	} else {
		s = s[:n]
	}
	for i := range s {
		s[i] = 0
	}
	return s
}

func growInt32(s []int32, n int) []int32 {
	if cap(s) < n {
		s = make([]int32, n)
	} else {
		s = s[:n]
	}
	for i := range s {
		s[i] = 0
	}
	return s
}
