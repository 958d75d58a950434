package cbdr

import (
	"github.com/ehrlich-b/go-cbdr/internal/constants"
	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
)

// Re-export constants for public API
const (
	DefaultRingDepth    = constants.DefaultRingDepth
	MinRingDepth        = constants.MinRingDepth
	MaxRingDepth        = constants.MaxRingDepth
	DefaultTimeout      = constants.DefaultTimeout
	DefaultPollInterval = constants.DefaultPollInterval
	DefaultPoolDepth    = constants.DefaultPoolDepth
	DescriptorSize      = desc.Size
)

// Commands
const (
	CmdDelete = desc.CmdDelete
	CmdUpdate = desc.CmdUpdate
	CmdQuery  = desc.CmdQuery
	CmdAdd    = desc.CmdAdd
)

// Access methods
const (
	AccessEntryID    = desc.AccessEntryID
	AccessExactKey   = desc.AccessExactKey
	AccessSearch     = desc.AccessSearch
	AccessTernaryKey = desc.AccessTernaryKey
)

// Tables
const (
	TableMACFilter       = ntmp.TableMACFilter
	TableRSS             = ntmp.TableRSS
	IndirectionTableSize = ntmp.IndirectionTableSize
)

const (
	HeaderVersion2  = desc.HeaderVersion2
	FlagNoPostFetch = desc.FlagNoPostFetch
)
