// Command usbsas-imager clones a USB mass-storage device sector by sector
// (like dd), using the same dev2scsi worker the orchestrator drives for
// ImgDisk, grounded on usbsas-tools/src/imager.rs.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/process"
	scsipb "github.com/usbsas/usbsas/internal/proto/scsi"
	usbdevpb "github.com/usbsas/usbsas/internal/proto/usbdev"
	"github.com/usbsas/usbsas/internal/sandbox"
)

const defaultConfigPath = "/etc/usbsas/usbsas.toml"

// readChunkSectors bounds how many sectors are requested from dev2scsi in
// one ReadSectors call; picked to keep a single response well under
// internal/comm's framing cap while still reading in large bursts.
const readChunkSectors = 2048

var (
	configPath string
	outputPath string
	toStdout   bool
	busnum     uint32
	devnum     uint32
)

var rootCmd = &cobra.Command{
	Use:   "usbsas-imager",
	Short: "Clone a USB mass-storage device (like dd) using usbsas workers",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path of the application configuration")
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "path of the output file")
	rootCmd.Flags().BoolVarP(&toStdout, "stdout", "O", false, "write the image to stdout instead of a file")
	rootCmd.Flags().Uint32VarP(&busnum, "busnum", "b", 0, "bus number of the device to clone (requires --devnum)")
	rootCmd.Flags().Uint32VarP(&devnum, "devnum", "d", 0, "device number of the device to clone (requires --busnum)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if (busnum == 0) != (devnum == 0) {
		return fmt.Errorf("usbsas-imager: must specify both --busnum and --devnum")
	}
	if outputPath != "" && toStdout {
		return fmt.Errorf("usbsas-imager: --output and --stdout are mutually exclusive")
	}

	writer, writerFd, cleanup, err := openWriter()
	if err != nil {
		return fmt.Errorf("usbsas-imager: %w", err)
	}
	defer cleanup()

	img, err := newImager(writerFd)
	if err != nil {
		return fmt.Errorf("usbsas-imager: %w", err)
	}
	defer img.close()

	if busnum == 0 && devnum == 0 {
		busnum, devnum, err = img.selectDevice()
		if err != nil {
			return fmt.Errorf("usbsas-imager: %w", err)
		}
	}

	if err := img.imageDevice(busnum, devnum, writer); err != nil {
		return fmt.Errorf("usbsas-imager: %w", err)
	}

	fmt.Fprintln(os.Stderr, "Device cloned successfully")
	return nil
}

// openWriter resolves --output/--stdout/neither (a tempfile under the
// configured out_directory) into a writer and the raw fd the sandbox
// policy must allow writing to, mirroring imager.rs's three-way branch in
// main().
func openWriter() (io.Writer, int, func(), error) {
	switch {
	case outputPath != "":
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, -1, nil, fmt.Errorf("create %s: %w", outputPath, err)
		}
		return bufio.NewWriter(f), int(f.Fd()), func() { f.Close() }, nil
	case toStdout:
		return os.Stdout, int(os.Stdout.Fd()), func() {}, nil
	default:
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, -1, nil, err
		}
		if err := os.MkdirAll(cfg.OutDirectory, 0o750); err != nil {
			return nil, -1, nil, fmt.Errorf("mkdir %s: %w", cfg.OutDirectory, err)
		}
		f, err := os.CreateTemp(cfg.OutDirectory, "device_image_*.bin")
		if err != nil {
			return nil, -1, nil, fmt.Errorf("tempfile in %s: %w", cfg.OutDirectory, err)
		}
		fmt.Fprintf(os.Stderr, "Cloning to %s\n", f.Name())
		return bufio.NewWriter(f), int(f.Fd()), func() { f.Close() }, nil
	}
}

// imager holds the two worker children imager.rs spawns: dev2scsi always,
// usbdev only when the target device wasn't named on the command line.
type imager struct {
	dev2scsi *process.Child[scsipb.Request, scsipb.Response]
	usbdev   *process.Child[usbdevpb.Request, usbdevpb.Response]
	locked   bool // true until the real busnum/devnum unlock has been sent
}

func newImager(writerFd int) (*imager, error) {
	dev2scsi, err := process.Spawn[scsipb.Request, scsipb.Response](process.New("usbsas-dev2scsi"))
	if err != nil {
		return nil, fmt.Errorf("spawn dev2scsi: %w", err)
	}

	reads := []int{dev2scsi.Comm.InputFd()}
	writes := []int{dev2scsi.Comm.OutputFd(), writerFd}

	var usbdevChild *process.Child[usbdevpb.Request, usbdevpb.Response]
	if busnum == 0 && devnum == 0 {
		usbdevChild, err = process.Spawn[usbdevpb.Request, usbdevpb.Response](
			process.New("usbsas-usbdev").Arg("--config").Arg(configPath))
		if err != nil {
			return nil, fmt.Errorf("spawn usbdev: %w", err)
		}
		reads = append(reads, usbdevChild.Comm.InputFd())
		writes = append(writes, usbdevChild.Comm.OutputFd())
	}

	if err := sandbox.Imager(reads, writes); err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	return &imager{dev2scsi: dev2scsi, usbdev: usbdevChild, locked: true}, nil
}

// selectDevice lists attached mass-storage devices via usbdev and, if more
// than one is plugged in, prompts on stderr/stdin for which to clone.
func (img *imager) selectDevice() (uint32, uint32, error) {
	if err := comm.Send(img.usbdev.Comm, usbdevpb.Request{Kind: usbdevpb.ReqDevices}); err != nil {
		return 0, 0, fmt.Errorf("request devices: %w", err)
	}
	buf, err := comm.RecvRaw(img.usbdev.Comm)
	if err != nil {
		return 0, 0, fmt.Errorf("recv devices: %w", err)
	}
	resp, err := usbdevpb.UnmarshalResponse(buf)
	if err != nil {
		return 0, 0, fmt.Errorf("decode devices: %w", err)
	}
	if resp.Kind != usbdevpb.RespDevices {
		return 0, 0, fmt.Errorf("unexpected response listing devices")
	}
	devices := resp.Devices
	if len(devices) == 0 {
		return 0, 0, fmt.Errorf("no device found")
	}

	index := 0
	if len(devices) > 1 {
		fmt.Fprintln(os.Stderr, "Multiple devices found, which one should be imaged?")
		for i, d := range devices {
			fmt.Fprintf(os.Stderr, "%d: %s - %s (Serial: %s, VID/PID: %04x/%04x)\n",
				i+1, d.Manufacturer, d.Description, d.Serial, d.VendorID, d.ProductID)
		}
		reader := bufio.NewReader(os.Stdin)
		for {
			fmt.Fprintf(os.Stderr, "[1-%d]: ", len(devices))
			line, err := reader.ReadString('\n')
			if err != nil {
				return 0, 0, fmt.Errorf("read selection: %w", err)
			}
			n, err := strconv.Atoi(trimNewline(line))
			if err != nil || n < 1 || n > len(devices) {
				fmt.Fprintln(os.Stderr, "index out of range")
				continue
			}
			index = n - 1
			break
		}
	}

	d := devices[index]
	fmt.Fprintf(os.Stderr, "Cloning device '%s - %s (Serial: %s, VID/PID: %04x/%04x)'\n",
		d.Manufacturer, d.Description, d.Serial, d.VendorID, d.ProductID)

	if err := comm.Send(img.usbdev.Comm, usbdevpb.Request{Kind: usbdevpb.ReqEnd}); err != nil {
		ulog.Errorf("usbsas-imager", "end usbdev: %v", err)
	}
	if err := img.usbdev.Wait(); err != nil {
		ulog.Errorf("usbsas-imager", "wait usbdev: %v", err)
	}
	img.usbdev = nil

	return d.Bus, d.Dev, nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// imageDevice unlocks dev2scsi for busnum/devnum and streams every sector
// to writer, reporting progress on stderr every time the percentage moves.
func (img *imager) imageDevice(busnum, devnum uint32, writer io.Writer) error {
	unlock := (uint64(devnum) << 32) | uint64(busnum)
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(unlock >> (8 * i))
	}
	if err := comm.WriteRaw(img.dev2scsi.Comm, buf); err != nil {
		return fmt.Errorf("unlock dev2scsi: %w", err)
	}
	img.locked = false

	respBuf, err := comm.RecvRaw(img.dev2scsi.Comm)
	if err != nil {
		return fmt.Errorf("recv opendevice: %w", err)
	}
	resp, err := scsipb.UnmarshalResponse(respBuf)
	if err != nil {
		return fmt.Errorf("decode opendevice: %w", err)
	}
	if resp.Kind != scsipb.RespOpenDevice {
		return fmt.Errorf("couldn't open device")
	}
	devSize, blockSize := resp.DevSize, resp.BlockSize
	if blockSize == 0 {
		return fmt.Errorf("device reported a zero block size")
	}

	var offset uint64
	sectorCount := uint32(readChunkSectors)
	lastPct := -1
	for offset*blockSize < devSize {
		remaining := (devSize - offset*blockSize) / blockSize
		if uint64(sectorCount) > remaining {
			sectorCount = uint32(remaining)
		}
		if sectorCount == 0 {
			break
		}

		if err := comm.Send(img.dev2scsi.Comm, scsipb.Request{
			Kind:   scsipb.ReqReadSectors,
			Offset: offset,
			Count:  sectorCount,
		}); err != nil {
			return fmt.Errorf("request sectors: %w", err)
		}
		buf, err := comm.RecvRaw(img.dev2scsi.Comm)
		if err != nil {
			return fmt.Errorf("recv sectors: %w", err)
		}
		resp, err := scsipb.UnmarshalResponse(buf)
		if err != nil {
			return fmt.Errorf("decode sectors: %w", err)
		}
		if resp.Kind != scsipb.RespReadSectors {
			return fmt.Errorf("unexpected response reading sectors")
		}
		if _, err := writer.Write(resp.Data); err != nil {
			return fmt.Errorf("write: %w", err)
		}

		offset += uint64(sectorCount)
		if pct := int(offset * blockSize * 100 / devSize); pct != lastPct {
			fmt.Fprintf(os.Stderr, "\r%3d%% (%d/%d bytes)", pct, offset*blockSize, devSize)
			lastPct = pct
		}
		sectorCount = readChunkSectors
	}
	fmt.Fprintln(os.Stderr)

	if bw, ok := writer.(*bufio.Writer); ok {
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

// close ends both children. If the real unlock was never sent (an error
// struck before imageDevice ran), dev2scsi is still waiting on its initial
// 8-byte handshake and gets the reset form (busnum=devnum=0) first so it
// can drain to End instead of blocking on it forever.
func (img *imager) close() {
	if img.usbdev != nil {
		if err := comm.Send(img.usbdev.Comm, usbdevpb.Request{Kind: usbdevpb.ReqEnd}); err != nil {
			ulog.Errorf("usbsas-imager", "end usbdev: %v", err)
		}
		if err := img.usbdev.Wait(); err != nil {
			ulog.Errorf("usbsas-imager", "wait usbdev: %v", err)
		}
	}
	if img.locked {
		if err := comm.WriteRaw(img.dev2scsi.Comm, make([]byte, 8)); err != nil {
			ulog.Errorf("usbsas-imager", "unlock dev2scsi for drain: %v", err)
		}
	}
	if err := comm.Send(img.dev2scsi.Comm, scsipb.Request{Kind: scsipb.ReqEnd}); err != nil {
		ulog.Errorf("usbsas-imager", "end dev2scsi: %v", err)
	}
	if err := img.dev2scsi.Wait(); err != nil {
		ulog.Errorf("usbsas-imager", "wait dev2scsi: %v", err)
	}
}
