package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pj9pl/willow-bloated-sub001/adc"
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire/memwire"
	"github.com/pj9pl/willow-bloated-sub001/fsd"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/logger"
	"github.com/pj9pl/willow-bloated-sub001/node"
	"github.com/pj9pl/willow-bloated-sub001/nvram"
	"github.com/pj9pl/willow-bloated-sub001/pingsvc"
	"github.com/pj9pl/willow-bloated-sub001/recfmt"
	"github.com/pj9pl/willow-bloated-sub001/sd"
)

const (
	sensorAddr  wire.Addr = 1
	storageAddr wire.Addr = 2

	partStart   = 2
	partSectors = 126
)

type cluster struct {
	sensor  *node.Node
	storage *node.Node
	sim     *adc.Sim
	col     *kernel.Collector
	colID   kernel.TaskID
}

func startCluster(t *testing.T) *cluster {
	t.Helper()
	hub := memwire.NewHub()

	media := hal.NewMemMedia((partStart + partSectors) * hal.SectorBytes)
	require.NoError(t, sd.WriteMBR(media, [4]sd.Partition{
		{Type: sd.PartitionType, Start: partStart, Sectors: partSectors},
	}))
	require.NoError(t, fsd.Format(media, partStart, partSectors))

	storage, err := node.New(node.Config{
		Addr:  storageAddr,
		Role:  node.Storage,
		Wire:  hub.Port(),
		Media: media,
	})
	require.NoError(t, err)

	pin := hal.NewSignalPin()
	sim := adc.NewSim(pin)
	sensor, err := node.New(node.Config{
		Addr:     sensorAddr,
		Role:     node.Sensor,
		Wire:     hub.Port(),
		SPI:      sim,
		ADCReady: pin,
	})
	require.NoError(t, err)

	col := kernel.NewCollector(16)
	colID := sensor.Exec.Add(col)

	ctx, cancel := context.WithCancel(context.Background())
	storage.Start(ctx)
	sensor.Start(ctx)

	go func() {
		tk := time.NewTicker(time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-sensor.Exec.Done():
				return
			case <-tk.C:
				sim.Convert(0x1000, 0)
			}
		}
	}()

	t.Cleanup(func() {
		cancel()
		for _, x := range []*kernel.Exec{sensor.Exec, storage.Exec} {
			select {
			case <-x.Done():
			case <-time.After(2 * time.Second):
				t.Error("exec did not stop")
			}
		}
	})
	return &cluster{sensor: sensor, storage: storage, sim: sim, col: col, colID: colID}
}

func (c *cluster) roundTrip(t *testing.T, dest wire.Addr, op wire.Op, payload []byte) (kernel.Status, []byte) {
	t.Helper()
	var buf [wire.MaxPayload]byte
	j := &bus.Job{
		Mode: bus.MasterTransmitSlaveReceive,
		Dest: dest,
		Op:   op,
		Src:  payload,
		Dst:  buf[:],
	}
	j.ReplyTo = c.colID
	c.sensor.Exec.Post(kernel.Message{Sender: c.colID, Receiver: c.sensor.Bus, Op: kernel.OpJob, Info: j})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-c.col.C:
			if m.Op == kernel.OpReplyInfo && m.Info == j {
				require.Equal(t, kernel.EOK, j.Status)
				out := make([]byte, j.N)
				copy(out, buf[:j.N])
				return j.Result, out
			}
		case <-deadline:
			t.Fatal("no round trip reply")
		}
	}
}

func TestPingAcrossNodes(t *testing.T) {
	c := startCluster(t)

	st, echo := c.roundTrip(t, storageAddr, pingsvc.OpPing, []byte("willow"))
	require.Equal(t, kernel.EOK, st)
	require.Equal(t, "willow", string(echo))
}

func TestSensorLogsToStorageNode(t *testing.T) {
	c := startCluster(t)

	st, reply := c.roundTrip(t, storageAddr, fsd.OpMknod, fsd.EncodeMknod("run.rec"))
	require.Equal(t, kernel.EOK, st)
	ino, ok := fsd.DecodeIno(reply)
	require.True(t, ok)
	st, reply = c.roundTrip(t, storageAddr, fsd.OpMknod, fsd.EncodeMknod("run.alt"))
	require.Equal(t, kernel.EOK, st)
	alt, ok := fsd.DecodeIno(reply)
	require.True(t, ok)

	j := &logger.Job{Count: 2, PeriodMillis: 0, Channel: 3, Ino: ino, AltIno: alt, Dest: storageAddr}
	j.ReplyTo = c.colID
	c.sensor.Exec.Post(kernel.Message{Sender: c.colID, Receiver: c.sensor.Logger, Op: kernel.OpJob, Info: j})

	deadline := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case m := <-c.col.C:
			done = m.Op == kernel.OpReplyInfo && m.Info == j
		case <-deadline:
			t.Fatal("logging job did not finish")
		}
	}
	require.Equal(t, kernel.EOK, j.Status)
	require.Equal(t, uint32(2), j.Written)

	st, reply = c.roundTrip(t, storageAddr, fsd.OpRead, fsd.EncodeRead(ino, 0, 3*recfmt.RecordLen))
	require.Equal(t, kernel.EOK, st)
	_, data, ok := fsd.DecodeReadReply(reply)
	require.True(t, ok)
	require.Len(t, data, 2*recfmt.RecordLen)
	seq, _, ch, _, value, ok := recfmt.Decode(data)
	require.True(t, ok)
	require.Equal(t, uint32(0), seq)
	require.Equal(t, uint8(3), ch)
	require.Equal(t, uint32(0x1000), value)
}

func TestNVRAMOnEveryNode(t *testing.T) {
	c := startCluster(t)

	c.sensor.Exec.Post(kernel.Message{
		Sender:   c.colID,
		Receiver: c.sensor.NVRAM,
		Op:       kernel.OpSetIoctl,
		Sel:      nvram.SelCalibration,
		Value:    -7,
	})
	select {
	case m := <-c.col.C:
		require.Equal(t, kernel.OpReplyResult, m.Op)
		require.Equal(t, kernel.EOK, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no ioctl reply")
	}

	c.sensor.Exec.Post(kernel.Message{
		Sender:   c.colID,
		Receiver: c.sensor.NVRAM,
		Op:       nvram.OpGet,
		Sel:      nvram.SelCalibration,
	})
	select {
	case m := <-c.col.C:
		require.Equal(t, kernel.OpReplyData, m.Op)
		require.Equal(t, int32(-7), m.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("no get reply")
	}
}

func TestConfigValidation(t *testing.T) {
	hub := memwire.NewHub()

	_, err := node.New(node.Config{Addr: 1, Role: node.Sensor})
	require.Error(t, err)

	_, err = node.New(node.Config{Addr: 1, Role: node.Storage, Wire: hub.Port()})
	require.Error(t, err)

	_, err = node.New(node.Config{Addr: 1, Role: 99, Wire: hub.Port()})
	require.Error(t, err)
}
