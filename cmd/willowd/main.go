// willowd runs one cluster node. With -mqtt it joins the bus carried
// over a broker and serves its role until interrupted; without it, it
// runs a self-contained two-node demo (storage plus sensor) over the
// in-process wire and logs a handful of records.
package main

import (
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"syscall"

	"github.com/denisbrodbeck/machineid"
	"github.com/golang/glog"

	"github.com/pj9pl/willow-bloated-sub001/bus/wire"
	"github.com/pj9pl/willow-bloated-sub001/bus/wire/mqttwire"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/node"
)

func main() {
	var mqttURL string
	var addr uint
	var role string
	var mediaPath string
	var mediaSectors uint
	var nvramPath string
	flag.StringVar(&mqttURL, "mqtt", "", "Broker URL for the bus (mqtt://host[/prefix]); empty runs the in-process demo.")
	flag.UintVar(&addr, "addr", 0, "Bus address 1-126; 0 derives one from the machine identity.")
	flag.StringVar(&role, "role", "sensor", "Node role: storage or sensor.")
	flag.StringVar(&mediaPath, "media", "Media.bin", "Media image path (storage role).")
	flag.UintVar(&mediaSectors, "sectors", 4096, "Media size in sectors when the image does not exist yet.")
	flag.StringVar(&nvramPath, "nvram", "", "Persistent-state file; empty keeps it in memory.")
	flag.Parse()
	defer glog.Flush()

	if err := run(mqttURL, addr, role, mediaPath, mediaSectors, nvramPath); err != nil {
		glog.Exit(err)
	}
}

func run(mqttURL string, addr uint, role, mediaPath string, mediaSectors uint, nvramPath string) error {
	if mqttURL == "" {
		return demo()
	}

	if addr == 0 {
		a, err := defaultAddr()
		if err != nil {
			return err
		}
		addr = a
		glog.Infof("derived bus address %d from machine identity", addr)
	}
	if addr == uint(wire.GeneralCall) || addr > 126 {
		return fmt.Errorf("bus address %d out of range", addr)
	}

	cfg := node.Config{Addr: wire.Addr(addr)}
	switch role {
	case "storage":
		cfg.Role = node.Storage
		media, err := hal.OpenFileMedia(mediaPath, int64(mediaSectors)*hal.SectorBytes)
		if err != nil {
			return err
		}
		defer func() { _ = media.Close() }()
		cfg.Media = media
	case "sensor":
		cfg.Role = node.Sensor
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if nvramPath != "" {
		cfg.Store = hal.NewFileStore(nvramPath)
	}

	port, err := mqttwire.Dial(mqttURL)
	if err != nil {
		return err
	}
	defer func() { _ = port.Close() }()
	cfg.Wire = port

	n, err := node.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	glog.Infof("%s node at address %d on %s", role, addr, mqttURL)
	n.Run(ctx)
	return nil
}

// defaultAddr folds the machine identity into a stable nonzero address.
func defaultAddr() (uint, error) {
	id, err := machineid.ID()
	if err != nil {
		return 0, fmt.Errorf("machine identity: %w", err)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return uint(h.Sum32()%126) + 1, nil
}
