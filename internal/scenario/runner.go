package scenario

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/usbsas/usbsas/internal/config"
	"github.com/usbsas/usbsas/internal/proto/common"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
	"github.com/usbsas/usbsas/internal/session"
	"github.com/usbsas/usbsas/internal/usbdev/mock"
)

// Options configures how a Config's scenarios are executed, grounded on
// rclone's fstest/test_all command-line flags (-remote, -verbose): knobs a
// whole suite shares rather than per-scenario state.
type Options struct {
	// OrchestratorBin is the usbsas-orchestrator binary exec'd for each
	// scenario, resolved via $PATH like every other worker binary
	// internal/process.Spawner launches. Defaults to "usbsas-orchestrator".
	OrchestratorBin string
	// WorkDir is the scratch root; each scenario gets its own subdirectory
	// and nothing is shared between runs. Defaults to the system temp dir.
	WorkDir string
	// StartTimeout bounds how long a scenario waits for usbsas.sock to
	// appear before giving up on a wedged orchestrator. Defaults to 10s.
	StartTimeout time.Duration
}

func (o Options) bin() string {
	if o.OrchestratorBin != "" {
		return o.OrchestratorBin
	}
	return "usbsas-orchestrator"
}

func (o Options) startTimeout() time.Duration {
	if o.StartTimeout > 0 {
		return o.StartTimeout
	}
	return 10 * time.Second
}

const mockBlockSize = 512 // cmd/usbsas-dev2scsi and cmd/usbsas-fs2dev both hardcode this for mock images

// Run executes every scenario in cfg in turn, each against its own fresh
// scratch directory and orchestrator process, and returns one Result per
// scenario, grounded on rclone's fstest/test_all trial() running one
// backend combination to completion before moving to the next.
func Run(cfg *Config, opts Options) []*Result {
	root := opts.WorkDir
	if root == "" {
		root = os.TempDir()
	}
	results := make([]*Result, 0, len(cfg.Scenarios))
	for i, sc := range cfg.Scenarios {
		res := &Result{Name: sc.Name}
		if res.Name == "" {
			res.Name = fmt.Sprintf("scenario-%d", i)
		}
		if err := runOne(sc, opts, filepath.Join(root, sanitizeName(res.Name, i)), res); err != nil {
			res.Failures = append(res.Failures, err.Error())
		}
		res.finish()
		results = append(results, res)
	}
	return results
}

func sanitizeName(name string, i int) string {
	r := strings.NewReplacer("/", "_", " ", "_")
	n := r.Replace(name)
	if n == "" {
		n = "scenario"
	}
	return fmt.Sprintf("%02d-%s", i, n)
}

// harness holds every piece of scaffolding runOne assembles before the
// orchestrator is even started, so it can all be torn down uniformly.
type harness struct {
	scratch string
	servers []*http.Server
}

func (h *harness) close() {
	for _, s := range h.servers {
		s.Close()
	}
}

// runOne drives a single scenario end to end: scratch setup, fixture
// devices, config generation, orchestrator spawn, protocol drive,
// readback verification.
func runOne(sc Scenario, opts Options, scratch string, res *Result) (err error) {
	h := &harness{scratch: scratch}
	defer h.close()

	for _, dir := range []string{scratch, filepath.Join(scratch, "out"), filepath.Join(scratch, "sysfs"), filepath.Join(scratch, "socket")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.Name, err)
		}
	}

	cfg := &config.Config{
		OutDirectory: filepath.Join(scratch, "out"),
		KeepTmpFiles: true,
	}

	var fixtures []mock.Device
	var srcBus, srcDev, dstBus, dstDev uint32
	var srcImage, dstImage string

	if sc.SrcUSB != nil {
		srcBus, srcDev = 1, 1
		srcImage = filepath.Join(scratch, "src.img")
		if err := copyFile(sc.SrcUSB.Image, srcImage); err != nil {
			return fmt.Errorf("scenario %s: stage source image: %w", sc.Name, err)
		}
		fixtures = append(fixtures, deviceFixture(sc.SrcUSB, srcBus, srcDev))
	}
	if sc.DstUSB != nil {
		dstBus, dstDev = 1, 2
		dstImage = filepath.Join(scratch, "dst.img")
		if err := copyFile(sc.DstUSB.Image, dstImage); err != nil {
			return fmt.Errorf("scenario %s: stage destination image: %w", sc.Name, err)
		}
		fixtures = append(fixtures, deviceFixture(sc.DstUSB, dstBus, dstDev))
	}
	if len(fixtures) > 0 {
		sysfsRoot := filepath.Join(scratch, "sysfs")
		if err := mock.WriteFixture(sysfsRoot, fixtures); err != nil {
			return fmt.Errorf("scenario %s: write usb fixture: %w", sc.Name, err)
		}
	}

	if sc.Pin != nil {
		srv, addr, err := startNetworkSourceServer(sc.SrcNetworkArchive)
		if err != nil {
			return fmt.Errorf("scenario %s: network source server: %w", sc.Name, err)
		}
		h.servers = append(h.servers, srv)
		cfg.SourceNetwork = &config.NetworkDest{URL: "http://" + addr, Title: "network-src"}
	}

	if sc.DstNetwork {
		srv, addr, err := startNetworkSinkServer()
		if err != nil {
			return fmt.Errorf("scenario %s: network dest server: %w", sc.Name, err)
		}
		h.servers = append(h.servers, srv)
		cfg.Networks = []config.NetworkDest{{URL: "http://" + addr, Title: "network-dst", DstAllowed: true}}
	}

	var commandOutPath string
	if sc.DstCommand {
		commandOutPath = filepath.Join(scratch, "command_dest.tar")
		cfg.Command = config.CommandDest{Bin: "cp", Args: []string{"%SOURCE_FILE%", commandOutPath}}
	}

	for _, f := range sc.Filter {
		if f == "" {
			continue
		}
		cfg.Filters = append(cfg.Filters, config.FilterRule{Contain: []string{f}})
	}

	cfgPath := filepath.Join(scratch, "usbsas.toml")
	f, err := os.Create(cfgPath)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("scenario %s: write config: %w", sc.Name, err)
	}
	f.Close()

	sess := &session.Session{ID: "scenario", OutDir: cfg.OutDirectory}
	for _, p := range []string{sess.StagedArchivePath(), sess.CleanArchivePath(), sess.ImagePath()} {
		if ff, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640); err == nil {
			ff.Close()
		}
	}

	socketDir := filepath.Join(scratch, "socket")
	proc, err := startOrchestrator(opts, cfgPath, socketDir, sysfsEnv(scratch, len(fixtures) > 0), srcImage, dstImage)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	defer func() {
		_ = proc.Process.Kill()
		_ = proc.Wait()
	}()

	socketPath := filepath.Join(socketDir, "usbsas.sock")
	if err := waitForSocket(socketPath, opts.startTimeout()); err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}

	cl, err := dialClient(socketPath)
	if err != nil {
		return fmt.Errorf("scenario %s: %w", sc.Name, err)
	}
	defer cl.close()

	if sc.ImgDisk {
		return driveImgDisk(cl, sc, srcBus, srcDev, res)
	}
	if sc.Wipe {
		return driveWipe(cl, sc, dstBus, dstDev, res)
	}
	return driveTransfer(cl, sc, srcBus, srcDev, dstBus, dstDev, sess, commandOutPath, res)
}

func deviceFixture(d *Device, bus, dev uint32) mock.Device {
	return mock.Device{
		Bus: bus, Dev: dev,
		VendorID: d.VendorID, ProductID: d.ProductID,
		Manufacturer: d.Manufacturer, Product: d.Product, Serial: d.Serial,
	}
}

func sysfsEnv(scratch string, haveFixture bool) string {
	if !haveFixture {
		return ""
	}
	return filepath.Join(scratch, "sysfs")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o640)
}

// startOrchestrator execs the orchestrator binary with the mock env vars
// a scenario's fixtures need; every one of these is read as a fallback by
// the worker main()s reached through internal/process.Spawn's inherited
// environment (see cmd/usbsas-dev2scsi and cmd/usbsas-fs2dev).
func startOrchestrator(opts Options, cfgPath, socketDir, sysfsRoot, srcImage, dstImage string) (*exec.Cmd, error) {
	cmd := exec.Command(opts.bin(), "--config", cfgPath, "--socket", socketDir)
	cmd.Env = os.Environ()
	if sysfsRoot != "" {
		cmd.Env = append(cmd.Env, "USBSAS_MOCK_SYSFS_ROOT="+sysfsRoot)
	}
	if srcImage != "" {
		cmd.Env = append(cmd.Env, "USBSAS_MOCK_DEV2SCSI_IMAGE="+srcImage)
	}
	if dstImage != "" {
		cmd.Env = append(cmd.Env, "USBSAS_MOCK_FS2DEV_IMAGE="+dstImage)
	}
	cmd.Env = append(cmd.Env, "USBSAS_USERID=scenario-user", "USBSAS_SESSION_ID=scenario")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator: %w", err)
	}
	return cmd, nil
}

func waitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("timed out waiting for %s", path)
}

// -- device selection ------------------------------------------------------

func findUSBDevice(devices []*common.Device, bus, dev uint32) (*common.Device, error) {
	for _, d := range devices {
		if d.Kind == common.DeviceUSB && d.Usb.Bus == bus && d.Usb.Dev == dev {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no matching usb device for %d/%d", bus, dev)
}

func findKindDevice(devices []*common.Device, kind common.DeviceKind) (*common.Device, error) {
	for _, d := range devices {
		if d.Kind == kind {
			return d, nil
		}
	}
	return nil, fmt.Errorf("no matching device of kind %d", kind)
}

func fsTypeFromString(s string) (common.FsType, error) {
	switch strings.ToLower(s) {
	case "fat":
		return common.FsFAT, nil
	case "exfat":
		return common.FsExFAT, nil
	case "ntfs":
		return common.FsNTFS, nil
	case "ext4":
		return common.FsExt4, nil
	case "iso9660":
		return common.FsISO9660, nil
	}
	return common.FsUnknown, fmt.Errorf("unrecognized fs type %q", s)
}

// -- transfer scenario driving ----------------------------------------------

func driveTransfer(cl *client, sc Scenario, srcBus, srcDev, dstBus, dstDev uint32, sess *session.Session, commandOutPath string, res *Result) error {
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqUserId}); err != nil {
		return err
	}
	devResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqDevices, IncludeAlt: true})
	if err != nil {
		return err
	}

	var src, dst *common.Device
	if sc.Pin != nil {
		if src, err = findKindDevice(devResp.Devices, common.DeviceNetwork); err != nil {
			return err
		}
	} else if sc.SrcUSB != nil {
		if src, err = findUSBDevice(devResp.Devices, srcBus, srcDev); err != nil {
			return err
		}
	} else {
		return fmt.Errorf("scenario names no source")
	}

	switch {
	case sc.DstUSB != nil:
		if dst, err = findUSBDevice(devResp.Devices, dstBus, dstDev); err != nil {
			return err
		}
	case sc.DstNetwork:
		if dst, err = findKindDevice(devResp.Devices, common.DeviceNetwork); err != nil {
			return err
		}
	case sc.DstCommand:
		if dst, err = findKindDevice(devResp.Devices, common.DeviceCommand); err != nil {
			return err
		}
	default:
		return fmt.Errorf("scenario names no destination")
	}

	initReq := usbsaspb.Request{Kind: usbsaspb.ReqInitTransfer, Source: src.ID, Destination: dst.ID, Pin: sc.Pin}
	if sc.DstUSB != nil {
		fst, err := fsTypeFromString(sc.OutFsType)
		if err != nil {
			return err
		}
		initReq.FsType = &fst
	}
	if _, err := cl.roundTrip(initReq); err != nil {
		return err
	}

	if sc.Pin == nil {
		if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqPartitions}); err != nil {
			return err
		}
		if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqOpenPartition, Index: 0}); err != nil {
			return err
		}
		selected := sc.Select
		if len(selected) == 0 {
			selected = []string{"/"}
		}
		if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqSelectFiles, Selected: selected}); err != nil {
			return err
		}
	}
	// a network-sourced transfer skips straight from InitTransfer to
	// whole-archive selection server-side (downloadSrcState), so
	// ReqSelectFiles/ReqPartitions have no step to answer here.

	reportResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqReport})
	if err != nil {
		return err
	}
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqEnd}); err != nil {
		return err
	}

	var report struct {
		Status   string   `json:"status"`
		Dirty    []string `json:"dirty"`
		Filtered []string `json:"filtered"`
	}
	if len(reportResp.Report) > 0 {
		if err := json.Unmarshal(reportResp.Report, &report); err != nil {
			return fmt.Errorf("decode report: %w", err)
		}
	}
	res.checkStatus(sc.Expect.Status, report.Status)
	res.checkStrings("filtered", sc.Expect.Filtered, report.Filtered)
	res.checkStrings("rejected", sc.Expect.Rejected, report.Dirty)

	if len(sc.Expect.Digests) == 0 {
		return nil
	}

	var got map[string]string
	switch {
	case sc.DstUSB != nil:
		got, err = readBackDigests(sess.ImagePath(), mockBlockSize)
	case sc.DstCommand:
		got, err = readBackTarDigests(commandOutPath)
	case sc.DstNetwork:
		got, err = readBackTarDigests(sess.CleanArchivePath())
	}
	if err != nil {
		return fmt.Errorf("read back destination: %w", err)
	}
	res.checkDigests(sc.Expect.Digests, got)
	return nil
}

func driveImgDisk(cl *client, sc Scenario, srcBus, srcDev uint32, res *Result) error {
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqUserId}); err != nil {
		return err
	}
	devResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqDevices, IncludeAlt: true})
	if err != nil {
		return err
	}
	src, err := findUSBDevice(devResp.Devices, srcBus, srcDev)
	if err != nil {
		return err
	}
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqImgDisk, Id: src.ID}); err != nil {
		return err
	}
	reportResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqReport})
	if err != nil {
		return err
	}
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqEnd}); err != nil {
		return err
	}
	var report struct {
		Status string `json:"status"`
	}
	if len(reportResp.Report) > 0 {
		_ = json.Unmarshal(reportResp.Report, &report)
	}
	res.checkStatus(sc.Expect.Status, report.Status)
	return nil
}

func driveWipe(cl *client, sc Scenario, dstBus, dstDev uint32, res *Result) error {
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqUserId}); err != nil {
		return err
	}
	devResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqDevices, IncludeAlt: true})
	if err != nil {
		return err
	}
	dst, err := findUSBDevice(devResp.Devices, dstBus, dstDev)
	if err != nil {
		return err
	}
	fst, err := fsTypeFromString(sc.OutFsType)
	if err != nil {
		return err
	}
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqWipe, Id: dst.ID, WipeFsType: fst, Quick: sc.Quick}); err != nil {
		return err
	}
	reportResp, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqReport})
	if err != nil {
		return err
	}
	if _, err := cl.roundTrip(usbsaspb.Request{Kind: usbsaspb.ReqEnd}); err != nil {
		return err
	}
	var report struct {
		Status string `json:"status"`
	}
	if len(reportResp.Report) > 0 {
		_ = json.Unmarshal(reportResp.Report, &report)
	}
	res.checkStatus(sc.Expect.Status, report.Status)
	return nil
}

// -- fake network endpoints --------------------------------------------------

// startNetworkSinkServer answers every request with 200 OK, enough for
// uploader.upload() which never inspects the response body.
func startNetworkSinkServer() (*http.Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(ln)
	return srv, ln.Addr().String(), nil
}

// startNetworkSourceServer answers HEAD with the archive's size in
// X-Uncompressed-Content-Length and GET by streaming the archive bytes,
// matching internal/downloader's archiveInfos/download expectations.
func startNetworkSourceServer(archivePath string) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fi, err := os.Stat(archivePath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.Header().Set("X-Uncompressed-Content-Length", strconv.FormatInt(fi.Size(), 10))
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		f, err := os.Open(archivePath)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})}
	go srv.Serve(ln)
	return srv, ln.Addr().String(), nil
}
