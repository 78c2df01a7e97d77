package plc

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"time"

	"github.com/efargas/S7-Tools-sub002/internal/log"
	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// bridge manages the socat process that exposes the serial device as a local
// TCP port.
type bridge struct {
	socatBin string
	cfg      model.BridgeConfig
	serial   model.SerialConfig
	cmd      *exec.Cmd
	logger   log.Logger
}

func newBridge(socatBin string, cfg model.BridgeConfig, serial model.SerialConfig, logger log.Logger) *bridge {
	return &bridge{
		socatBin: socatBin,
		cfg:      cfg,
		serial:   serial,
		logger:   logger,
	}
}

// addr returns the TCP address the bridge listens on.
func (b *bridge) addr() string {
	return net.JoinHostPort(b.cfg.TCPHost, strconv.Itoa(b.cfg.TCPPort))
}

// start launches socat and waits until the TCP side accepts connections.
func (b *bridge) start(ctx context.Context, timeout time.Duration) error {
	listen := fmt.Sprintf("TCP-LISTEN:%d,reuseaddr,fork", b.cfg.TCPPort)
	device := fmt.Sprintf("FILE:%s,b%d,cs%d,raw,echo=0", b.serial.Device, b.serial.BaudRate, b.serial.CharSize)

	b.cmd = exec.CommandContext(ctx, b.socatBin, listen, device)
	if err := b.cmd.Start(); err != nil {
		return fmt.Errorf("could not start socat: %w", err)
	}

	b.logger.Debugf("Started socat bridge (pid %d) on %s", b.cmd.Process.Pid, b.addr())

	// Poll until the listener is up.
	deadline := time.Now().Add(timeout)
	for {
		if ctx.Err() != nil {
			b.stop()
			return ctx.Err()
		}

		conn, err := net.DialTimeout("tcp", b.addr(), 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		if time.Now().After(deadline) {
			b.stop()
			return fmt.Errorf("socat bridge did not come up on %s within %s", b.addr(), timeout)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// stop terminates the socat process. Safe to call multiple times.
func (b *bridge) stop() {
	if b.cmd == nil || b.cmd.Process == nil {
		return
	}

	if err := b.cmd.Process.Kill(); err == nil {
		_ = b.cmd.Wait()
		b.logger.Debugf("Stopped socat bridge on %s", b.addr())
	}
	b.cmd = nil
}
