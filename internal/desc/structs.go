package desc

import "fmt"

// Request is the software-to-device view of a ring slot.
type Request struct {
	Addr         uint64 // DMA address of the payload buffer
	ReqLen       uint32 // bytes the device reads from Addr
	RespLen      uint32 // bytes the device may write back to Addr
	Cmd          uint8  // CmdQuery, CmdUpdate, ...
	AccessMethod uint8  // AccessEntryID, AccessExactKey, ...
	TableID      uint8  // target hardware table
	Version      uint8  // header version, 4 bits
	Flags        uint8  // FlagNoPostFetch, 4 bits
}

// Completion is the device-to-software view of the same slot. It is only
// meaningful once the consumer index has moved past the slot.
type Completion struct {
	NumMatched uint16 // entries affected or found
	Status     uint16 // 0 on success, device-defined otherwise
}

// OK reports whether the device accepted the command.
func (c Completion) OK() bool {
	return c.Status == 0
}

func (r *Request) String() string {
	return fmt.Sprintf("%s/%s table=%d addr=0x%x req=%d resp=%d",
		CommandName(r.Cmd), AccessName(r.AccessMethod), r.TableID, r.Addr, r.ReqLen, r.RespLen)
}
