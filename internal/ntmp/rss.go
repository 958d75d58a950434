package ntmp

import (
	"context"
	"fmt"

	"github.com/ehrlich-b/go-cbdr/internal/desc"
)

// IndirectionTableSize is the number of RSS redirection entries. The device
// only accepts the whole table.
const IndirectionTableSize = 64

// rssEntryID is the single entry holding the redirection table.
const rssEntryID = 0

// UpdateIndirectionTable writes all 64 redirection entries. A table of any
// other length fails with ErrInvalidArgument before the ring is used.
func (c *Client) UpdateIndirectionTable(ctx context.Context, table []uint8) error {
	if len(table) != IndirectionTableSize {
		return fmt.Errorf("%w: redirection table has %d entries, want %d",
			ErrInvalidArgument, len(table), IndirectionTableSize)
	}

	_, _, err := c.run(ctx, command{
		cmd:    desc.CmdUpdate,
		table:  TableRSS,
		access: desc.AccessEntryID,
		hdr:    Header{UpdateAct: UpdateActCFGE, EntryID: rssEntryID},
		data:   table,
	})
	if err != nil {
		return fmt.Errorf("failed to update redirection table: %w", err)
	}
	c.logger.Debug("redirection table updated")
	return nil
}

// QueryIndirectionTable reads all 64 redirection entries into table.
func (c *Client) QueryIndirectionTable(ctx context.Context, table []uint8) error {
	if len(table) != IndirectionTableSize {
		return fmt.Errorf("%w: redirection table has %d entries, want %d",
			ErrInvalidArgument, len(table), IndirectionTableSize)
	}

	resp, _, err := c.run(ctx, command{
		cmd:     desc.CmdQuery,
		table:   TableRSS,
		access:  desc.AccessEntryID,
		hdr:     Header{QueryAct: QueryActFull, EntryID: rssEntryID},
		respLen: RespEntryIDSize + IndirectionTableSize,
	})
	if err != nil {
		return fmt.Errorf("failed to query redirection table: %w", err)
	}
	if err := checkEntryID(resp, rssEntryID); err != nil {
		return fmt.Errorf("failed to query redirection table: %w", err)
	}

	copy(table, resp[RespEntryIDSize:])
	return nil
}
