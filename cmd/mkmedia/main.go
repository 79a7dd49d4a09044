// mkmedia builds a media image for a storage node: a partition table
// with one entry of the cluster's type, and a freshly made filesystem
// inside it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pj9pl/willow-bloated-sub001/fsd"
	"github.com/pj9pl/willow-bloated-sub001/hal"
	"github.com/pj9pl/willow-bloated-sub001/sd"
)

const (
	defaultMediaPath = "Media.bin"
	defaultSectors   = 4096
	defaultPartStart = 2
)

func main() {
	var outPath string
	var sectors uint
	var partStart uint
	flag.StringVar(&outPath, "out", defaultMediaPath, "Output media image path.")
	flag.UintVar(&sectors, "sectors", defaultSectors, "Media size in 512-byte sectors.")
	flag.UintVar(&partStart, "start", defaultPartStart, "First sector of the partition.")
	flag.Parse()

	if err := run(outPath, uint32(sectors), uint32(partStart)); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(outPath string, sectors, partStart uint32) error {
	if partStart == 0 || partStart >= sectors {
		return fmt.Errorf("partition start %d out of range (media has %d sectors)", partStart, sectors)
	}
	partSectors := sectors - partStart

	media, err := hal.OpenFileMedia(outPath, int64(sectors)*hal.SectorBytes)
	if err != nil {
		return err
	}
	defer func() { _ = media.Close() }()

	err = sd.WriteMBR(media, [4]sd.Partition{
		{Type: sd.PartitionType, Start: partStart, Sectors: partSectors},
	})
	if err != nil {
		return fmt.Errorf("write partition table: %w", err)
	}

	if err := fsd.Format(media, partStart, partSectors); err != nil {
		return fmt.Errorf("make filesystem: %w", err)
	}

	fmt.Printf("%s: %d sectors, partition at %d (%d sectors)\n", outPath, sectors, partStart, partSectors)
	return nil
}
