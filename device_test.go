package cbdr

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-cbdr/internal/logging"
	"github.com/ehrlich-b/go-cbdr/internal/ntmp"
	"github.com/ehrlich-b/go-cbdr/sim"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Depth = 8
	cfg.Timeout = 5
	cfg.PollInterval = 0
	cfg.PoolDepth = 2
	return cfg
}

func newSimulated(t *testing.T, cfg Config, opts *SimOptions) *Simulated {
	t.Helper()
	if opts == nil {
		opts = &SimOptions{}
	}
	if opts.Options == nil {
		opts.Options = &Options{}
	}
	if opts.Options.Logger == nil {
		opts.Options.Logger = logging.Nop()
	}
	s, err := NewSimulated(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func randomTable(seed int64) []uint8 {
	rng := rand.New(rand.NewSource(seed))
	table := make([]uint8, IndirectionTableSize)
	for i := range table {
		table[i] = uint8(rng.Intn(8))
	}
	return table
}

// rssQuery builds a raw indirection table query in DMA memory.
func rssQuery(t *testing.T, s *Simulated) *Request {
	t.Helper()
	mem, err := s.Heap.Alloc(ntmp.RespEntryIDSize+IndirectionTableSize, 32)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	require.NoError(t, ntmp.Header{QueryAct: ntmp.QueryActFull}.Marshal(mem.Buf()))

	return &Request{
		Addr:         mem.PhysAddr(),
		ReqLen:       ntmp.HeaderSize,
		RespLen:      ntmp.RespEntryIDSize + IndirectionTableSize,
		Cmd:          CmdQuery,
		AccessMethod: AccessEntryID,
		TableID:      TableRSS,
		Version:      HeaderVersion2,
	}
}

func TestOpenRoundTrip(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	ctx := context.Background()

	want := randomTable(1)
	require.NoError(t, s.UpdateIndirectionTable(ctx, want))
	rss := s.NIC.IndirectionTable()
	assert.Equal(t, want, rss[:])

	got := make([]uint8, IndirectionTableSize)
	require.NoError(t, s.QueryIndirectionTable(ctx, got))
	assert.Equal(t, want, got)

	assert.Equal(t, 7, s.FreeSlotCount())

	info := s.Info()
	assert.Equal(t, DeviceStateOpen, info.State)
	assert.Equal(t, 8, info.Depth)
	assert.Equal(t, 0, info.Outstanding)
	assert.NotEmpty(t, info.Base)

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.UpdateOps)
	assert.Equal(t, uint64(1), snap.QueryOps)
	assert.Equal(t, uint64(2), snap.Completed)
	assert.Equal(t, uint32(7), snap.MinFreeSlots)
}

func TestOpenProgramsRegisters(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	l := DefaultLayout

	log := s.Regs.WriteLog()
	require.Len(t, log, 7)
	assert.Equal(t, RegisterWrite{l.Mode, 0}, log[0])
	assert.Equal(t, l.Length, log[5].Offset)
	assert.Equal(t, uint32(8), log[5].Value)
	assert.Equal(t, RegisterWrite{l.Mode, l.ModeEnable}, log[6])
}

func TestOpenRejectsBadInput(t *testing.T) {
	_, err := Open(nil, NewHeap(0), testConfig(), nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	cfg := testConfig()
	cfg.Depth = 0
	_, err = Open(NewMockRegisters(nil), NewHeap(0), cfg, nil)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestOpenAllocationFailure(t *testing.T) {
	heap := NewHeap(64)
	nic, err := sim.New(heap, sim.DefaultConfig())
	require.NoError(t, err)
	regs := NewMockRegisters(nic)

	_, err = Open(regs, heap, testConfig(), &Options{Logger: logging.Nop()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllocation), "got %v", err)
	assert.Empty(t, regs.WriteLog(), "no register may be touched when allocation fails")
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, DeviceStateClosed, s.State())

	regions, _ := s.Heap.InUse()
	assert.Equal(t, 0, regions, "ring and pool memory must be freed")
	assert.Equal(t, uint32(0), s.NIC.Read32(DefaultLayout.Mode))

	_, err := s.Execute(context.Background(), &Request{})
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)

	err = s.UpdateIndirectionTable(context.Background(), randomTable(2))
	assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
}

func TestTimeoutPollsExactly(t *testing.T) {
	s := newSimulated(t, testConfig(), &SimOptions{Mode: sim.ModeStalled})
	s.Regs.Reset()

	err := s.UpdateIndirectionTable(context.Background(), randomTable(3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Equal(t, 5, s.Regs.Reads(DefaultLayout.Consumer))
	assert.Equal(t, 1, s.Regs.Writes(DefaultLayout.Producer))

	// The late completion is accounted for by the next reclaim.
	require.NoError(t, s.NIC.Process())
	n, err := s.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 7, s.FreeSlotCount())

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Timeouts)
	assert.Equal(t, uint64(1), snap.Reclaimed)
}

func TestLateUpdateKeepsItsPayload(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 1
	s := newSimulated(t, cfg, &SimOptions{Mode: sim.ModeStalled})
	ctx := context.Background()

	late := make([]uint8, IndirectionTableSize)
	for i := range late {
		late[i] = 7
	}
	err := s.UpdateIndirectionTable(ctx, late)
	require.True(t, errors.Is(err, ErrTimeout), "got %v", err)
	assert.Equal(t, 1, s.Info().Parked)

	s.NIC.SetMode(sim.ModeSync)
	got := make([]uint8, IndirectionTableSize)
	require.NoError(t, s.QueryIndirectionTable(ctx, got))
	assert.Equal(t, late, got, "the late update must apply the table its caller wrote")

	rss := s.NIC.IndirectionTable()
	assert.Equal(t, late, rss[:])
	assert.Equal(t, 0, s.Info().Parked)
}

func TestDeviceRejection(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	s.NIC.Reject(sim.StatusNoEntry)

	err := s.UpdateIndirectionTable(context.Background(), randomTable(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceRejected))

	status, ok := StatusOf(err)
	require.True(t, ok)
	assert.Equal(t, sim.StatusNoEntry, status)
	assert.Equal(t, uint64(1), s.MetricsSnapshot().Rejected)
	assert.Equal(t, 7, s.FreeSlotCount(), "a rejected command is still reclaimed")
}

func TestShortTableTouchesNoRegisters(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	s.Regs.Reset()

	err := s.UpdateIndirectionTable(context.Background(), make([]uint8, IndirectionTableSize-1))
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "got %v", err)
	assert.Empty(t, s.Regs.WriteLog())
	assert.Equal(t, 0, s.Regs.Reads(DefaultLayout.Consumer))
	assert.Empty(t, s.NIC.History())
}

func TestExecuteRaw(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)

	comp, err := s.Execute(context.Background(), rssQuery(t, s))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), comp.NumMatched)

	_, err = s.Execute(context.Background(), nil)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	bad := rssQuery(t, s)
	bad.ReqLen = 1 << 12
	_, err = s.Execute(context.Background(), bad)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument), "got %v", err)
	assert.Equal(t, uint64(1), s.MetricsSnapshot().Invalid)
}

func TestMACHashFilter(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	ctx := context.Background()

	macs := []net.HardwareAddr{
		{0x00, 0x04, 0x9f, 0x01, 0x02, 0x03},
		{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb},
	}
	require.NoError(t, s.UpdateMACHashFilter(ctx, 2, macs))

	want, err := s.Codec().MACHashBitmap(macs)
	require.NoError(t, err)
	got, err := s.QueryMACHashFilter(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s.DeleteEntry(ctx, TableMACFilter, 2))
	_, err = s.QueryMACHashFilter(ctx, 2)
	status, ok := StatusOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, sim.StatusNoEntry, status)
}

func TestSharedCodec(t *testing.T) {
	codec := NewCodec()
	s := newSimulated(t, testConfig(), &SimOptions{Options: &Options{Codec: codec}})
	assert.Same(t, codec, s.Codec())
}

func TestSlotAt(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)

	require.NoError(t, s.UpdateIndirectionTable(context.Background(), randomTable(5)))
	raw, err := s.SlotAt(0)
	require.NoError(t, err)
	assert.Equal(t, [DescriptorSize]byte{}, raw, "consumed slots are zeroed")

	_, err = s.SlotAt(8)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestConcurrentCallers(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 1_000_000
	s := newSimulated(t, cfg, &SimOptions{Mode: sim.ModeDelayed, Delay: 50 * time.Microsecond})

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for k := 0; k < 10; k++ {
				if err := s.UpdateIndirectionTable(ctx, randomTable(int64(w*100+k))); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(80), snap.UpdateOps)
	assert.Equal(t, uint64(80), snap.Completed)
	assert.Len(t, s.NIC.History(), 80)
	assert.Equal(t, 7, s.FreeSlotCount())
}

type countingObserver struct {
	NoOpObserver
	commands atomic.Int32
}

func (o *countingObserver) ObserveCommand(uint8, uint64, Outcome) { o.commands.Add(1) }

func TestCustomObserver(t *testing.T) {
	obs := &countingObserver{}
	s := newSimulated(t, testConfig(), &SimOptions{Options: &Options{Observer: obs}})

	require.NoError(t, s.UpdateIndirectionTable(context.Background(), randomTable(6)))
	assert.Equal(t, int32(1), obs.commands.Load())
	assert.Equal(t, uint64(0), s.MetricsSnapshot().TotalOps, "built-in metrics are bypassed")
}
