package ring

import "sync/atomic"

// barrierDummy is the target of the atomic operations used as fences.
// On x86-64 atomic.AddInt64 compiles to LOCK XADD, which is a full fence.
var barrierDummy int64

// publishBarrier orders descriptor stores before the producer index store
// that hands the slot to the device.
func publishBarrier() {
	atomic.AddInt64(&barrierDummy, 0)
}

// acquireBarrier orders the consumer index load before reads of the
// completion fields the device wrote by DMA.
func acquireBarrier() {
	atomic.AddInt64(&barrierDummy, 0)
}
