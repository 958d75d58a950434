package ntmp

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"
	"sync"

	"github.com/ehrlich-b/go-cbdr/internal/desc"
)

// MACFilterSize is the size of a MAC hash filter entry: a 64-bit bitmap.
const MACFilterSize = 8

// Context holds codec state shared by the clients of one device. The CRC
// table is built on first use.
type Context struct {
	once  sync.Once
	table *crc32.Table
}

// NewContext returns an empty codec context.
func NewContext() *Context {
	return &Context{}
}

func (c *Context) crcTable() *crc32.Table {
	c.once.Do(func() {
		c.table = crc32.MakeTable(crc32.IEEE)
	})
	return c.table
}

// MACHashIndex returns the filter bit for mac: the top 6 bits of its CRC.
func (c *Context) MACHashIndex(mac net.HardwareAddr) int {
	return int(crc32.Checksum(mac, c.crcTable()) >> 26)
}

// MACHashBitmap folds macs into a 64-bit filter bitmap.
func (c *Context) MACHashBitmap(macs []net.HardwareAddr) (uint64, error) {
	var bitmap uint64
	for _, mac := range macs {
		if len(mac) != 6 {
			return 0, fmt.Errorf("%w: %q is not an EUI-48 address", ErrInvalidArgument, mac.String())
		}
		bitmap |= 1 << c.MACHashIndex(mac)
	}
	return bitmap, nil
}

// UpdateMACHashFilter replaces the hash filter at entryID with one that
// passes every address in macs. An empty list clears the filter.
func (c *Client) UpdateMACHashFilter(ctx context.Context, entryID uint32, macs []net.HardwareAddr) error {
	bitmap, err := c.codec.MACHashBitmap(macs)
	if err != nil {
		return err
	}

	var data [MACFilterSize]byte
	binary.LittleEndian.PutUint64(data[:], bitmap)

	_, _, err = c.run(ctx, command{
		cmd:    desc.CmdUpdate,
		table:  TableMACFilter,
		access: desc.AccessEntryID,
		hdr:    Header{UpdateAct: UpdateActCFGE, EntryID: entryID},
		data:   data[:],
	})
	if err != nil {
		return fmt.Errorf("failed to update MAC hash filter %d: %w", entryID, err)
	}
	c.logger.Debug("MAC hash filter updated", "entry_id", entryID, "addresses", len(macs),
		"bitmap", fmt.Sprintf("0x%016x", bitmap))
	return nil
}

// QueryMACHashFilter returns the bitmap stored at entryID.
func (c *Client) QueryMACHashFilter(ctx context.Context, entryID uint32) (uint64, error) {
	resp, _, err := c.run(ctx, command{
		cmd:     desc.CmdQuery,
		table:   TableMACFilter,
		access:  desc.AccessEntryID,
		hdr:     Header{QueryAct: QueryActFull, EntryID: entryID},
		respLen: RespEntryIDSize + MACFilterSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to query MAC hash filter %d: %w", entryID, err)
	}
	if err := checkEntryID(resp, entryID); err != nil {
		return 0, fmt.Errorf("failed to query MAC hash filter %d: %w", entryID, err)
	}
	return binary.LittleEndian.Uint64(resp[RespEntryIDSize:]), nil
}
