// Package mmio performs the ordered stores that publish work to the device:
// the doorbell-record update and the write-combined UAR register store.
//
// The barrier ladder mirrors the userspace DMA discipline: a to-device
// fence before the doorbell record, a flush-writes fence before the
// register store, and a write-combining fence after it. Each named fence is
// a sequentially-consistent atomic read-modify-write, which on every
// supported architecture emits a barrier at least as strong as the
// store-store fence the step requires (SFENCE on x86-64, DMB/DSB on arm64,
// SYNC on ppc64/mips, fence ow,ow on riscv, dbar on loong64).
package mmio

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"
)

// fenceWord is the target of the barrier read-modify-writes. It carries no
// data.
var fenceWord uint32

// store64Lock serialises the two-store fallback on hosts without an atomic
// 64-bit store. It is the only process-wide mutable state in the data
// plane besides the log level.
var store64Lock sync.Mutex

const is64bit = unsafe.Sizeof(uintptr(0)) == 8

// ToDeviceFence orders all prior WQE stores before the doorbell-record
// update.
func ToDeviceFence() {
	atomic.AddUint32(&fenceWord, 0)
}

// FlushWrites commits the doorbell-record store before the UAR register
// store.
func FlushWrites() {
	atomic.AddUint32(&fenceWord, 0)
}

// WCFence flushes the write-combining buffer after the UAR register store.
func WCFence() {
	atomic.AddUint32(&fenceWord, 0)
}

// WriteDoorbellRecord stores the low 16 bits of the new producer index,
// big-endian, into the 32-bit doorbell-record word. The record memory is
// shared with the device and must never be written through any other path.
func WriteDoorbellRecord(rec []byte, pi uint32) {
	binary.BigEndian.PutUint32(rec[:4], pi&0xffff)
}

// WriteCQDoorbellRecord stores a full 24-bit consumer index (or arm word)
// big-endian into a CQ doorbell-record word.
func WriteCQDoorbellRecord(rec []byte, v uint32) {
	binary.BigEndian.PutUint32(rec[:4], v)
}

// Write64 stores the first 8 bytes of src into the register region as a
// single 64-bit store. src is already in device (big-endian) order, so the
// bytes land on the bus unchanged. On 32-bit hosts the store splits into
// two 32-bit stores in ascending address order, high dword first, under
// the process-wide lock.
func Write64(reg []byte, src []byte) {
	_ = reg[7]
	_ = src[7]
	if is64bit {
		v := binary.NativeEndian.Uint64(src[:8])
		atomic.StoreUint64((*uint64)(unsafe.Pointer(&reg[0])), v)
		return
	}
	store64Lock.Lock()
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&reg[0])), binary.NativeEndian.Uint32(src[0:4]))
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&reg[4])), binary.NativeEndian.Uint32(src[4:8]))
	store64Lock.Unlock()
}

// Write64BE stores a host-order value to the register in big-endian device
// order, with the same single-store guarantee as Write64.
func Write64BE(reg []byte, v uint64) {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], v)
	Write64(reg, be[:])
}

// RingDoorbell publishes one send WQE: it updates the send doorbell record
// and stores the control-segment head to the UAR register with the full
// fence sequence. On return the store is visible to the device and no
// earlier store can pass it.
func RingDoorbell(dbrec []byte, newPI uint32, reg []byte, ctrl []byte) {
	ToDeviceFence()
	WriteDoorbellRecord(dbrec, newPI)
	FlushWrites()
	Write64(reg, ctrl)
	WCFence()
}

// BlueFlameCopy copies a whole WQE into a BlueFlame register buffer in
// 64-byte blocks, wrapping from queueEnd back to queueStart. queue is the
// work-queue buffer, off the byte offset of the WQE within it.
func BlueFlameCopy(bf []byte, queue []byte, off, wqeBytes int) {
	for copied := 0; copied < wqeBytes; copied += 64 {
		if off >= len(queue) {
			off = 0
		}
		copy(bf[copied:copied+64], queue[off:off+64])
		off += 64
	}
}
