// Command usbsas-orchestrator drives one transfer from device selection
// through to a written report: it spawns every worker child, then serves
// the usbsas client protocol either over a Unix socket or over its own
// inherited fds, grounded on usbsas-usbsas/src/main.rs.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usbsas/usbsas/internal/comm"
	"github.com/usbsas/usbsas/internal/config"
	ulog "github.com/usbsas/usbsas/internal/log"
	"github.com/usbsas/usbsas/internal/orchestrator"
	"github.com/usbsas/usbsas/internal/process"
	usbsaspb "github.com/usbsas/usbsas/internal/proto/usbsas"
	"github.com/usbsas/usbsas/internal/sandbox"
	"github.com/usbsas/usbsas/internal/session"
)

var (
	configPath string
	socketDir  string
)

var rootCmd = &cobra.Command{
	Use:   "usbsas-orchestrator",
	Short: "Drive one usbsas transfer end to end",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to the usbsas TOML configuration file")
	rootCmd.Flags().StringVar(&socketDir, "socket", "", "directory to bind usbsas.sock in, instead of talking over inherited fds")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("usbsas-orchestrator: %w", err)
	}

	sess, err := session.New(cfg.OutDirectory, cfg.KeepTmpFiles)
	if err != nil {
		return fmt.Errorf("usbsas-orchestrator: %w", err)
	}
	ulog.Logf("usbsas-orchestrator", "init %s (pid %d)", sess.ID, os.Getpid())

	// Pre-create the session's archive/image files: the downloader opens
	// its archive at spawn time, before any client request has decided
	// whether it will ever be written to, and fs2dev opens the image once
	// unlocked; neither creates the file itself.
	for _, path := range []string{sess.StagedArchivePath(), sess.CleanArchivePath(), sess.ImagePath()} {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
		if err != nil {
			return fmt.Errorf("usbsas-orchestrator: create %s: %w", path, err)
		}
		f.Close()
	}

	children, err := orchestrator.SpawnAll(cfg, configPath, sess)
	if err != nil {
		return fmt.Errorf("usbsas-orchestrator: %w", err)
	}

	reads, writes := children.AllFds()

	var removePaths []string
	if !cfg.KeepTmpFiles {
		removePaths = append(removePaths, cfg.OutDirectory)
	}

	if socketDir != "" {
		client, listenFd, socketPath, err := bindClientSocket(socketDir)
		if err != nil {
			return fmt.Errorf("usbsas-orchestrator: %w", err)
		}
		if !cfg.KeepTmpFiles {
			removePaths = append(removePaths, socketDir)
		}
		defer os.Remove(socketPath)
		_ = listenFd // closed right after accept; nothing left to sandbox

		reads = append(reads, client.InputFd())
		writes = append(writes, client.OutputFd())
		if err := sandbox.UsbsasLandlock(removePaths); err != nil {
			return fmt.Errorf("usbsas-orchestrator: landlock: %w", err)
		}
		if err := sandbox.Usbsas(reads, writes); err != nil {
			return fmt.Errorf("usbsas-orchestrator: seccomp: %w", err)
		}
		return orchestrator.New(client, children, cfg, sess).Run()
	}

	client := process.ChildComm[usbsaspb.Request, usbsaspb.Response]()
	reads = append(reads, client.InputFd())
	writes = append(writes, client.OutputFd())
	if err := sandbox.UsbsasLandlock(removePaths); err != nil {
		return fmt.Errorf("usbsas-orchestrator: landlock: %w", err)
	}
	if err := sandbox.Usbsas(reads, writes); err != nil {
		return fmt.Errorf("usbsas-orchestrator: seccomp: %w", err)
	}
	return orchestrator.New(client, children, cfg, sess).Run()
}

// bindClientSocket creates (or reuses) socketDir, binds usbsas.sock at
// mode 0o660, accepts exactly one connection and wraps it as a
// ClientComm, mirroring main.rs's UnixListener branch. Only one client is
// ever served per orchestrator process; the listener is closed right
// after accept.
func bindClientSocket(dir string) (*orchestrator.ClientComm, int, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, -1, "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	socketPath := filepath.Join(dir, "usbsas.sock")
	if _, err := os.Stat(socketPath); err == nil {
		ulog.Logf("usbsas-orchestrator", "socket %s already exists, removing stale one", socketPath)
		if err := os.Remove(socketPath); err != nil {
			return nil, -1, "", fmt.Errorf("remove stale socket: %w", err)
		}
	}

	old := syscall.Umask(0o117) // land at exactly 0o660 regardless of ambient umask
	listener, err := net.Listen("unix", socketPath)
	syscall.Umask(old)
	if err != nil {
		return nil, -1, "", fmt.Errorf("bind %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return nil, -1, "", fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	conn, err := listener.Accept()
	listener.Close()
	if err != nil {
		return nil, -1, "", fmt.Errorf("accept: %w", err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, -1, "", fmt.Errorf("unexpected connection type %T", conn)
	}
	f, err := unixConn.File()
	if err != nil {
		return nil, -1, "", fmt.Errorf("dup client conn: %w", err)
	}
	unixConn.Close()

	client := comm.New[usbsaspb.Request, usbsaspb.Response](f, f)
	return client, int(f.Fd()), socketPath, nil
}
