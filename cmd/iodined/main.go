// Command iodined is the IP-over-DNS tunnel server (spec §1): it
// binds a DNS socket for a delegated zone, a TUN device, and
// optionally a stub-resolver forward socket, then runs the event loop
// until interrupted.
//
// Bootstrap ordering: open TUN, bind the DNS socket, bind the forward
// socket, assign per-user tunnel addresses, chroot, drop privileges,
// install the signal handler, then run. The TUN interface's
// address/MTU is not configured here; that is left to the operator.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ZZBTheChaos/iodine/internal/classifier"
	"github.com/ZZBTheChaos/iodine/internal/dispatch"
	"github.com/ZZBTheChaos/iodine/internal/dnswire"
	"github.com/ZZBTheChaos/iodine/internal/engine"
	"github.com/ZZBTheChaos/iodine/internal/forwarder"
	"github.com/ZZBTheChaos/iodine/internal/passwordprompt"
	"github.com/ZZBTheChaos/iodine/internal/privilege"
	"github.com/ZZBTheChaos/iodine/internal/session"
	"github.com/ZZBTheChaos/iodine/internal/tunio"
	"github.com/ZZBTheChaos/iodine/types/logger"
)

// version is the build identifier printed by -v, distinct from
// dispatch.ProtocolVersion (the wire handshake constant).
const version = "iodine-go 1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		return 2
	}
	if cfg.help {
		usage()
		return 0
	}
	if cfg.version {
		fmt.Println(version)
		return 0
	}

	if err := classifier.ValidateTopDomain(cfg.topDomain); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if cfg.password == "" {
		cfg.password, err = passwordprompt.Read()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	} else {
		cfg.password = passwordprompt.Truncate(cfg.password)
	}

	logf := logger.Std()
	if cfg.debugLevel == 0 {
		logf = logger.Discard
	}

	tunnelIP := net.ParseIP(cfg.tunnelIP)
	if tunnelIP == nil || tunnelIP.To4() == nil {
		fmt.Fprintf(os.Stderr, "iodined: %q is not a valid IPv4 address\n", cfg.tunnelIP)
		return 2
	}
	var serverIP [4]byte
	copy(serverIP[:], tunnelIP.To4())

	dev, err := tunio.OpenDevice(cfg.tunDevice, cfg.mtu)
	if err != nil {
		fmt.Fprintf(os.Stderr, "iodined: open tun: %v\n", err)
		return 1
	}
	defer dev.Close()

	if !cfg.skipIPConfig {
		// Address/MTU configuration of the TUN device's network
		// interface (spec §1's "TUN device open/configure" is an
		// external collaborator) is left to an operator-run ip(8)
		// invocation or an init script; this server only owns the
		// device's read/write fd, not its link configuration.
		logf("iodined: skipping device IP/MTU bring-up is out of scope; configure %s externally", cfg.tunDevice)
	}

	dnsConn, err := dnswire.Listen(fmt.Sprintf("%s:%d", cfg.listenAddr, cfg.listenPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "iodined: open dns socket: %v\n", err)
		return 1
	}
	defer dnsConn.Close()

	var fwd *forwarder.Forwarder
	if cfg.forwardSet {
		fwd, err = forwarder.New(cfg.forwardPort, logf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "iodined: open forward socket: %v\n", err)
			return 1
		}
		defer fwd.Close()
	}

	tbl := session.NewTable(session.DefaultUsers)
	if err := tbl.AssignTunIPs(tunnelIP); err != nil {
		fmt.Fprintf(os.Stderr, "iodined: assign tunnel addresses: %v\n", err)
		return 1
	}

	if cfg.chrootDir != "" {
		if err := privilege.Chroot(cfg.chrootDir); err != nil {
			fmt.Fprintf(os.Stderr, "iodined: %v\n", err)
			return 1
		}
	}

	if cfg.dropUser != "" {
		if err := privilege.Drop(cfg.dropUser); err != nil {
			fmt.Fprintf(os.Stderr, "iodined: %v\n", err)
			return 1
		}
	}

	tunConn := tunio.New(dev, tbl, logf)
	dispatcher := dispatch.New(tbl, cfg.password, serverIP, cfg.mtu, !cfg.noPinIP, tunConn, logf)

	var activeSessions int64
	eng := &engine.Engine{
		DNS:            dnsConn,
		Forwarder:      fwd,
		Tun:            tunConn,
		Dispatcher:     dispatcher,
		Table:          tbl,
		TopDomain:      cfg.topDomain,
		Logf:           logf,
		ActiveSessions: &activeSessions,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	stopMetrics := make(chan struct{})
	go logActiveSessions(logf, &activeSessions, stopMetrics)
	defer close(stopMetrics)

	fmt.Printf("Listening to dns for domain %s\n", cfg.topDomain)

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "iodined: %v\n", err)
		return 1
	}
	return 0
}

// logActiveSessions is the ambient periodic metrics goroutine (spec
// §9's re-architecture note kept ambient, not part of the core
// engine): it only reads session.Table.ActiveCount through an atomic
// publish, never touching Table directly from outside the
// single-threaded loop.
func logActiveSessions(logf logger.Logf, published *int64, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := atomic.LoadInt64(published)
			logf("iodined: %d active sessions", n)
		}
	}
}
