// Package ntmp encodes table management commands into payload buffers and
// runs them through a command ring.
//
// Every request payload starts with a 16 byte header:
//
//	0  update_act  u16  which parts of the entry an update refreshes
//	2  dbg         u8
//	3  tblv_qact   u8   query action in bits [3:0], table version in [7:4]
//	4  entry_id    u32
//	8  reserved    8 bytes
//
// followed by the entry data for add and update. Query responses start
// with the entry id (u32) followed by the entry data. All fields are
// little-endian.
package ntmp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/go-cbdr/internal/constants"
	"github.com/ehrlich-b/go-cbdr/internal/desc"
	"github.com/ehrlich-b/go-cbdr/internal/dma"
	"github.com/ehrlich-b/go-cbdr/internal/logging"
)

// Table identifiers.
const (
	TableMACFilter uint8 = 1
	TableRSS       uint8 = 3
)

// TableName returns a short name for a table id.
func TableName(id uint8) string {
	switch id {
	case TableMACFilter:
		return "MAC_FILTER"
	case TableRSS:
		return "RSS"
	default:
		return fmt.Sprintf("TABLE_%d", id)
	}
}

// Payload layout.
const (
	HeaderSize      = 16
	RespEntryIDSize = 4

	offUpdateAct = 0
	offDebug     = 2
	offTblvQact  = 3
	offEntryID   = 4
)

// update_act bits.
const (
	UpdateActCFGE uint16 = 1 << 0 // configuration element
	UpdateActStat uint16 = 1 << 1 // reset statistics
)

// Query actions.
const (
	QueryActFull uint8 = 0 // return the whole entry
)

var (
	// ErrInvalidArgument is returned for caller mistakes caught before the
	// ring is touched.
	ErrInvalidArgument = errors.New("ntmp: invalid argument")

	// ErrBadResponse means a completed query returned a payload that does
	// not describe the requested entry.
	ErrBadResponse = errors.New("ntmp: malformed response")
)

// Header is the common request header.
type Header struct {
	UpdateAct    uint16
	Debug        uint8
	QueryAct     uint8 // 4 bits
	TableVersion uint8 // 4 bits
	EntryID      uint32
}

// Marshal writes h into the first HeaderSize bytes of dst.
func (h Header) Marshal(dst []byte) error {
	if len(dst) < HeaderSize {
		return fmt.Errorf("%w: header needs %d bytes, have %d", ErrInvalidArgument, HeaderSize, len(dst))
	}
	if h.QueryAct > 0xf || h.TableVersion > 0xf {
		return fmt.Errorf("%w: query action %d / table version %d exceed 4 bits",
			ErrInvalidArgument, h.QueryAct, h.TableVersion)
	}
	binary.LittleEndian.PutUint16(dst[offUpdateAct:], h.UpdateAct)
	dst[offDebug] = h.Debug
	dst[offTblvQact] = h.QueryAct | h.TableVersion<<4
	binary.LittleEndian.PutUint32(dst[offEntryID:], h.EntryID)
	clear(dst[offEntryID+4 : HeaderSize])
	return nil
}

// UnmarshalHeader parses a request header.
func UnmarshalHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrBadResponse, HeaderSize, len(src))
	}
	return Header{
		UpdateAct:    binary.LittleEndian.Uint16(src[offUpdateAct:]),
		Debug:        src[offDebug],
		QueryAct:     src[offTblvQact] & 0xf,
		TableVersion: src[offTblvQact] >> 4,
		EntryID:      binary.LittleEndian.Uint32(src[offEntryID:]),
	}, nil
}

// Executor runs one descriptor to completion. *ring.Ring implements it.
type Executor interface {
	Execute(ctx context.Context, req *desc.Request) (desc.Completion, error)

	// Park takes ownership of the payload of a command that failed with
	// err while the device may still read it. It returns false when the
	// caller is free to reuse the payload.
	Park(err error, payload io.Closer) bool
}

// Client issues table commands on one ring.
type Client struct {
	exec   Executor
	pool   *dma.Pool
	codec  *Context
	logger *logging.Logger
}

// NewClient returns a client that takes payload buffers from pool. A nil
// codec context gets a private one.
func NewClient(exec Executor, pool *dma.Pool, codec *Context, logger *logging.Logger) *Client {
	if codec == nil {
		codec = NewContext()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{exec: exec, pool: pool, codec: codec, logger: logger}
}

// Context returns the codec context used for hashing.
func (c *Client) Context() *Context { return c.codec }

// command describes one round trip.
type command struct {
	cmd     uint8
	table   uint8
	access  uint8
	hdr     Header
	data    []byte // entry data following the header
	respLen int    // bytes the device may write back
}

// run encodes cmd into a pooled payload buffer, executes it and returns a
// copy of the response bytes. The buffer goes back to the pool on every
// path except a timeout, where the executor keeps it until the device has
// consumed the descriptor.
func (c *Client) run(ctx context.Context, cmd command) ([]byte, desc.Completion, error) {
	reqLen := HeaderSize + len(cmd.data)
	size := max(reqLen, cmd.respLen)
	if size > constants.MaxPayloadSize {
		return nil, desc.Completion{}, fmt.Errorf("%w: %d byte payload exceeds %d",
			ErrInvalidArgument, size, constants.MaxPayloadSize)
	}

	buf, err := c.pool.Get(size)
	if err != nil {
		return nil, desc.Completion{}, err
	}
	parked := false
	defer func() {
		if !parked {
			buf.Close()
		}
	}()

	p := buf.Bytes()
	if err := cmd.hdr.Marshal(p); err != nil {
		return nil, desc.Completion{}, err
	}
	copy(p[HeaderSize:], cmd.data)

	req := &desc.Request{
		Addr:         buf.PhysAddr(),
		ReqLen:       uint32(reqLen),
		RespLen:      uint32(cmd.respLen),
		Cmd:          cmd.cmd,
		AccessMethod: cmd.access,
		TableID:      cmd.table,
		Version:      desc.HeaderVersion2,
		Flags:        desc.FlagNoPostFetch,
	}

	comp, err := c.exec.Execute(ctx, req)
	if err != nil {
		parked = c.exec.Park(err, buf)
		return nil, comp, err
	}

	var resp []byte
	if cmd.respLen > 0 {
		resp = make([]byte, cmd.respLen)
		copy(resp, p[:cmd.respLen])
	}
	return resp, comp, nil
}

// DeleteEntry removes entryID from table.
func (c *Client) DeleteEntry(ctx context.Context, table uint8, entryID uint32) error {
	_, comp, err := c.run(ctx, command{
		cmd:    desc.CmdDelete,
		table:  table,
		access: desc.AccessEntryID,
		hdr:    Header{EntryID: entryID},
	})
	if err != nil {
		return fmt.Errorf("failed to delete entry %d from %s table: %w", entryID, TableName(table), err)
	}
	c.logger.Debug("table entry deleted", "table", TableName(table), "entry_id", entryID, "matched", comp.NumMatched)
	return nil
}

func checkEntryID(resp []byte, want uint32) error {
	if len(resp) < RespEntryIDSize {
		return fmt.Errorf("%w: %d byte response", ErrBadResponse, len(resp))
	}
	if got := binary.LittleEndian.Uint32(resp); got != want {
		return fmt.Errorf("%w: entry id %d, want %d", ErrBadResponse, got, want)
	}
	return nil
}
