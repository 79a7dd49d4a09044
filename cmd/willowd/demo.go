package main

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/pj9pl/willow-bloated-sub001/adc"
	"github.com/pj9pl/willow-bloated-sub001/bus"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire/memwire"
	"github.com/pj9pl/willow-bloated-sub001/fsd"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/kernel"
	"github.com/pj9pl/willow-bloated-sub001/logger"
	"github.com/pj9pl/willow-bloated-sub001/node"
	"github.com/pj9pl/willow-bloated-sub001/recfmt"
	"github.com/pj9pl/willow-bloated-sub001/sd"
)

const (
	demoStorageAddr wire.Addr = 2
	demoSensorAddr  wire.Addr = 1

	demoPartStart   = 2
	demoPartSectors = 126

	demoRecords      = 5
	demoPeriodMillis = 20
)

// demo runs both roles in one process: a storage node over in-memory
// media, a sensor node with simulated converters, and one logging job
// between them, read back and printed afterwards.
func demo() error {
	hub := memwire.NewHub()

	media := hal.NewMemMedia((demoPartStart + demoPartSectors) * hal.SectorBytes)
	err := sd.WriteMBR(media, [4]sd.Partition{
		{Type: sd.PartitionType, Start: demoPartStart, Sectors: demoPartSectors},
	})
	if err != nil {
		return err
	}
	if err := fsd.Format(media, demoPartStart, demoPartSectors); err != nil {
		return err
	}

	storage, err := node.New(node.Config{
		Addr:  demoStorageAddr,
		Role:  node.Storage,
		Wire:  hub.Port(),
		Media: media,
	})
	if err != nil {
		return err
	}

	pin := hal.NewSignalPin()
	sim := adc.NewSim(pin)
	sensor, err := node.New(node.Config{
		Addr:     demoSensorAddr,
		Role:     node.Sensor,
		Wire:     hub.Port(),
		SPI:      sim,
		ADCReady: pin,
	})
	if err != nil {
		return err
	}

	col := kernel.NewCollector(16)
	colID := sensor.Exec.Add(col)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	storage.Start(ctx)
	sensor.Start(ctx)

	// Conversion pump: a sawtooth, one step per millisecond.
	go func() {
		tk := time.NewTicker(time.Millisecond)
		defer tk.Stop()
		var v uint32
		for {
			select {
			case <-sensor.Exec.Done():
				return
			case <-tk.C:
				v = (v + 0x111) & 0xFFFFFF
				sim.Convert(v, 0)
			}
		}
	}()

	d := demoDriver{x: sensor.Exec, busID: sensor.Bus, col: col, colID: colID}

	ino, err := d.mknod("demo.rec")
	if err != nil {
		return err
	}
	alt, err := d.mknod("demo.alt")
	if err != nil {
		return err
	}

	j := &logger.Job{
		Count:        demoRecords,
		PeriodMillis: demoPeriodMillis,
		Channel:      1,
		Ino:          ino,
		AltIno:       alt,
		Dest:         demoStorageAddr,
	}
	j.ReplyTo = colID
	sensor.Exec.Post(kernel.Message{Sender: colID, Receiver: sensor.Logger, Op: kernel.OpJob, Info: j})
	if err := d.awaitJob(j); err != nil {
		return err
	}
	if j.Status != kernel.EOK {
		return fmt.Errorf("logging job: %v", j.Status)
	}
	glog.Infof("demo: job done, %d records written", j.Written)

	st, reply, err := d.request(fsd.OpRead, fsd.EncodeRead(ino, 0, demoRecords*recfmt.RecordLen))
	if err != nil {
		return err
	}
	if st != kernel.EOK {
		return fmt.Errorf("read back: %v", st)
	}
	_, data, ok := fsd.DecodeReadReply(reply)
	if !ok {
		return fmt.Errorf("read back: bad reply")
	}
	for off := 0; off+recfmt.RecordLen <= len(data); off += recfmt.RecordLen {
		seq, millis, ch, stat, value, ok := recfmt.Decode(data[off:])
		if !ok {
			return fmt.Errorf("record at %d: bad checksum", off)
		}
		fmt.Printf("rec %d: t=%dms ch=%d stat=%#02x value=%#06x\n", seq, millis, ch, stat, value)
	}
	fmt.Printf("demo: %d records logged and read back\n", j.Written)
	return nil
}

// demoDriver issues bus round trips from the sensor node.
type demoDriver struct {
	x     *kernel.Exec
	busID kernel.TaskID
	col   *kernel.Collector
	colID kernel.TaskID
}

func (d *demoDriver) request(op wire.Op, payload []byte) (kernel.Status, []byte, error) {
	var buf [wire.MaxPayload]byte
	j := &bus.Job{
		Mode: bus.MasterTransmitSlaveReceive,
		Dest: demoStorageAddr,
		Op:   op,
		Src:  payload,
		Dst:  buf[:],
	}
	j.ReplyTo = d.colID
	d.x.Post(kernel.Message{Sender: d.colID, Receiver: d.busID, Op: kernel.OpJob, Info: j})
	if err := d.awaitJob(j); err != nil {
		return 0, nil, err
	}
	if j.Status != kernel.EOK {
		return 0, nil, fmt.Errorf("bus round trip: %v", j.Status)
	}
	out := make([]byte, j.N)
	copy(out, buf[:j.N])
	return j.Result, out, nil
}

func (d *demoDriver) mknod(name string) (uint16, error) {
	st, reply, err := d.request(fsd.OpMknod, fsd.EncodeMknod(name))
	if err != nil {
		return 0, err
	}
	if st != kernel.EOK {
		return 0, fmt.Errorf("mknod %s: %v", name, st)
	}
	ino, ok := fsd.DecodeIno(reply)
	if !ok {
		return 0, fmt.Errorf("mknod %s: bad reply", name)
	}
	return ino, nil
}

func (d *demoDriver) awaitJob(j kernel.Jobber) error {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case m := <-d.col.C:
			if m.Op == kernel.OpReplyInfo && m.Info == j {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("no reply from cluster")
		}
	}
}
