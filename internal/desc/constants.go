// Package desc defines the command ring descriptor layout and the NTMP
// command encodings carried in it.
package desc

// Size is the width of one ring slot in bytes.
const Size = 16

// Byte offsets inside a slot.
//
//	request view                    completion view
//	[0:8]   payload address         [0:12]  unused
//	[8:12]  length word             [12:14] num_matched
//	[12]    command                 [14:16] error_status
//	[13]    access method
//	[14]    table id
//	[15]    version [3:0], flags [7:4]
const (
	offAddr       = 0
	offLength     = 8
	offCmd        = 12
	offAccess     = 13
	offTableID    = 14
	offVerFlags   = 15
	offNumMatched = 12
	offStatus     = 14
)

// Commands
const (
	CmdDelete      uint8 = 1 << 0
	CmdUpdate      uint8 = 1 << 1
	CmdQuery       uint8 = 1 << 2
	CmdAdd         uint8 = 1 << 3
	CmdQueryUpdate       = CmdQuery | CmdUpdate
)

// Access methods
const (
	AccessEntryID    uint8 = 0
	AccessExactKey   uint8 = 1
	AccessSearch     uint8 = 2
	AccessTernaryKey uint8 = 3
)

// Header versions
const (
	HeaderVersion1 uint8 = 1
	HeaderVersion2 uint8 = 2
)

// Request flags, stored in the high nibble of byte 15
const (
	// FlagNoPostFetch tells the device not to fetch the next descriptor
	// before this one completes.
	FlagNoPostFetch uint8 = 1 << 3

	maxFlags   = 0xf
	maxVersion = 0xf
)

// CommandName returns a short name for logging and metrics labels.
func CommandName(cmd uint8) string {
	switch cmd {
	case CmdDelete:
		return "delete"
	case CmdUpdate:
		return "update"
	case CmdQuery:
		return "query"
	case CmdAdd:
		return "add"
	case CmdQueryUpdate:
		return "query_update"
	default:
		return "unknown"
	}
}

// AccessName returns a short name for an access method.
func AccessName(am uint8) string {
	switch am {
	case AccessEntryID:
		return "entry_id"
	case AccessExactKey:
		return "exact_key"
	case AccessSearch:
		return "search"
	case AccessTernaryKey:
		return "ternary_key"
	default:
		return "unknown"
	}
}
