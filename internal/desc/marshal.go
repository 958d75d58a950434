package desc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInsufficientData is returned when a buffer is shorter than a slot.
	ErrInsufficientData = errors.New("insufficient data for descriptor")

	// ErrFieldOverflow is returned when a value does not fit its bit field.
	ErrFieldOverflow = errors.New("descriptor field overflow")
)

// Format describes how the 32-bit length word is split between the request
// and response lengths. Widths differ between devices.
type Format struct {
	ReqLenBits  uint // high bits of the length word
	RespLenBits uint // low bits of the length word
}

// DefaultFormat packs the request length into bits [31:20] and the
// response length into bits [19:0].
var DefaultFormat = Format{ReqLenBits: 12, RespLenBits: 20}

// Validate checks that both fields fit in one 32-bit word.
func (f Format) Validate() error {
	if f.ReqLenBits == 0 || f.RespLenBits == 0 {
		return fmt.Errorf("descriptor format: zero-width length field (req=%d resp=%d)",
			f.ReqLenBits, f.RespLenBits)
	}
	if f.ReqLenBits+f.RespLenBits > 32 {
		return fmt.Errorf("descriptor format: %d+%d bits exceed the 32-bit length word",
			f.ReqLenBits, f.RespLenBits)
	}
	return nil
}

// MaxReqLen is the largest request length the format can carry.
func (f Format) MaxReqLen() uint32 { return uint32(1)<<f.ReqLenBits - 1 }

// MaxRespLen is the largest response length the format can carry.
func (f Format) MaxRespLen() uint32 { return uint32(1)<<f.RespLenBits - 1 }

// PackLength builds the length word.
func (f Format) PackLength(reqLen, respLen uint32) (uint32, error) {
	if reqLen > f.MaxReqLen() {
		return 0, fmt.Errorf("%w: request length %d > %d", ErrFieldOverflow, reqLen, f.MaxReqLen())
	}
	if respLen > f.MaxRespLen() {
		return 0, fmt.Errorf("%w: response length %d > %d", ErrFieldOverflow, respLen, f.MaxRespLen())
	}
	return reqLen<<f.RespLenBits | respLen, nil
}

// UnpackLength splits a length word.
func (f Format) UnpackLength(w uint32) (reqLen, respLen uint32) {
	reqLen = (w >> f.RespLenBits) & f.MaxReqLen()
	respLen = w & f.MaxRespLen()
	return reqLen, respLen
}

// MarshalRequest writes r over the whole slot. Every byte of dst[:Size] is
// overwritten; nothing from a previous occupant survives.
func (f Format) MarshalRequest(dst []byte, r *Request) error {
	if len(dst) < Size {
		return ErrInsufficientData
	}
	if r.Version > maxVersion {
		return fmt.Errorf("%w: version %d", ErrFieldOverflow, r.Version)
	}
	if r.Flags > maxFlags {
		return fmt.Errorf("%w: flags 0x%x", ErrFieldOverflow, r.Flags)
	}
	length, err := f.PackLength(r.ReqLen, r.RespLen)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(dst[offAddr:offAddr+8], r.Addr)
	binary.LittleEndian.PutUint32(dst[offLength:offLength+4], length)
	dst[offCmd] = r.Cmd
	dst[offAccess] = r.AccessMethod
	dst[offTableID] = r.TableID
	dst[offVerFlags] = r.Version&maxVersion | r.Flags<<4

	return nil
}

// UnmarshalRequest reads the request view of a slot.
func (f Format) UnmarshalRequest(src []byte, r *Request) error {
	if len(src) < Size {
		return ErrInsufficientData
	}

	r.Addr = binary.LittleEndian.Uint64(src[offAddr : offAddr+8])
	r.ReqLen, r.RespLen = f.UnpackLength(binary.LittleEndian.Uint32(src[offLength : offLength+4]))
	r.Cmd = src[offCmd]
	r.AccessMethod = src[offAccess]
	r.TableID = src[offTableID]
	r.Version = src[offVerFlags] & maxVersion
	r.Flags = src[offVerFlags] >> 4

	return nil
}

// MarshalCompletion writes the completion view in place, leaving the
// request address and length word untouched.
func MarshalCompletion(dst []byte, c Completion) error {
	if len(dst) < Size {
		return ErrInsufficientData
	}
	binary.LittleEndian.PutUint16(dst[offNumMatched:offNumMatched+2], c.NumMatched)
	binary.LittleEndian.PutUint16(dst[offStatus:offStatus+2], c.Status)
	return nil
}

// UnmarshalCompletion reads the completion view of a slot.
func UnmarshalCompletion(src []byte) (Completion, error) {
	if len(src) < Size {
		return Completion{}, ErrInsufficientData
	}
	return Completion{
		NumMatched: binary.LittleEndian.Uint16(src[offNumMatched : offNumMatched+2]),
		Status:     binary.LittleEndian.Uint16(src[offStatus : offStatus+2]),
	}, nil
}
