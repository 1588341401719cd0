// flags.go parses the CLI surface named in spec §6, using the same
// POSIX getopt-style parser (github.com/pborman/getopt) the teacher's
// dependency set already pins.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/pborman/getopt"
)

// config is the fully parsed and validated command line.
type config struct {
	version       bool
	help          bool
	noPinIP       bool
	skipIPConfig  bool
	foreground    bool
	debugLevel    int
	dropUser      string
	chrootDir     string
	tunDevice     string
	mtu           int
	listenAddr    string
	listenPort    int
	forwardPort   int
	forwardSet    bool
	password      string
	tunnelIP      string
	topDomain     string
}

const (
	defaultListenAddr = "0.0.0.0"
	defaultListenPort = 53
	defaultMTU        = 1130
)

// parseFlags parses args (excluding the program name) into a config,
// matching spec §6's flag set exactly: -v -h -c -s -f -D -u -t -d -m
// -l -p -b -P, plus the TUNNEL_IP TOPDOMAIN positional pair.
func parseFlags(args []string) (*config, error) {
	set := getopt.New()

	version := set.BoolLong("version", 'v', "print version and exit")
	help := set.BoolLong("help", 'h', "print help and exit")
	noPinIP := set.BoolLong("", 'c', "disable per-request IP pinning")
	skipIPConfig := set.BoolLong("", 's', "skip TUN IP/MTU configuration")
	foreground := set.BoolLong("", 'f', "run in the foreground")
	set.BoolLong("", 'D', "increase debug verbosity (repeatable)")
	dropUser := set.StringLong("", 'u', "", "drop privileges to user NAME")
	chrootDir := set.StringLong("", 't', "", "chroot to DIR")
	tunDevice := set.StringLong("", 'd', "", "TUN device name")
	mtu := set.IntLong("", 'm', defaultMTU, "tunnel MTU")
	listenAddr := set.StringLong("", 'l', defaultListenAddr, "listen IPv4 address")
	listenPort := set.IntLong("", 'p', defaultListenPort, "listen UDP port")
	forwardPort := set.IntLong("", 'b', 0, "enable stub forwarding to 127.0.0.1:PORT")
	password := set.StringLong("", 'P', "", "tunnel password")

	// Getopt treats its first element as the program name.
	if err := set.Getopt(append([]string{"iodined"}, args...), nil); err != nil {
		return nil, fmt.Errorf("flags: %w", err)
	}

	cfg := &config{
		version:      *version,
		help:         *help,
		noPinIP:      *noPinIP,
		skipIPConfig: *skipIPConfig,
		foreground:   *foreground,
		debugLevel:   countDebugFlags(args),
		dropUser:     *dropUser,
		chrootDir:    *chrootDir,
		tunDevice:    *tunDevice,
		mtu:          *mtu,
		listenAddr:   *listenAddr,
		listenPort:   *listenPort,
		forwardPort:  *forwardPort,
		forwardSet:   set.IsSet('b'),
		password:     *password,
	}

	if cfg.debugLevel > 0 {
		cfg.foreground = true
	}

	if cfg.version || cfg.help {
		return cfg, nil
	}

	rest := set.Args()
	if len(rest) != 2 {
		return nil, fmt.Errorf("flags: expected TUNNEL_IP and TOPDOMAIN, got %d positional arguments", len(rest))
	}
	cfg.tunnelIP = rest[0]
	cfg.topDomain = rest[1]

	if cfg.mtu <= 0 {
		return nil, fmt.Errorf("flags: -m MTU must be positive, got %d", cfg.mtu)
	}
	if cfg.forwardSet && cfg.forwardPort == cfg.listenPort {
		return nil, fmt.Errorf("flags: -b PORT must differ from -p PORT (both %d)", cfg.listenPort)
	}

	return cfg, nil
}

// countDebugFlags counts how many times -D (alone or clustered, e.g.
// -DDD) appears in args, since the repeatable-flag semantics of
// "-D increase debug verbosity" don't map onto a single getopt.Bool.
func countDebugFlags(args []string) int {
	n := 0
	for _, a := range args {
		if !strings.HasPrefix(a, "-") || strings.HasPrefix(a, "--") {
			continue
		}
		for _, c := range a[1:] {
			if c == 'D' {
				n++
			}
		}
	}
	return n
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-vhcsfD] [-u user] [-t chrootdir] [-d device] [-m mtu] [-l ip] [-p port] [-b port] [-P password] TUNNEL_IP TOPDOMAIN\n", os.Args[0])
}
