// Command ttl is a continuous, interactive path-measurement tool: it
// discovers the router path to a target and measures per-hop RTT, loss, and
// jitter for as long as it runs.
//
// Grounded on graphping.go's flag wiring, bubbletea logging setup, and
// version printing, adapted from a multi-host bar-chart ping to a single
// target's hop-by-hop trace.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/basn/ttl/internal/config"
	"github.com/basn/ttl/internal/engine"
	"github.com/basn/ttl/internal/enrich/ix"
	"github.com/basn/ttl/internal/enrich/rdns"
	"github.com/basn/ttl/internal/export"
	"github.com/basn/ttl/internal/rawconn"
	"github.com/basn/ttl/internal/session"
	"github.com/basn/ttl/internal/tui"
	"github.com/basn/ttl/internal/util"
)

// Version is set via -ldflags at build time.
var Version = "(unknown)"

var (
	interval     = pflag.DurationP("interval", "i", time.Second, "Interval between probe sweeps.")
	maxTTL       = pflag.Uint8P("max-ttl", "m", 30, "Maximum TTL to probe.")
	count        = pflag.Uint64P("count", "c", 0, "Stop after count × max-ttl probes in total (this many per hop while every hop is probed). 0 means run forever.")
	payloadSize  = pflag.Int("payload-size", 56, "ICMP echo payload size in bytes.")
	logfile      = pflag.String("logfile", "", "File to write logs to. Empty disables logging.")
	exportOnExit = pflag.Bool("export", true, "Write a JSON snapshot on exit.")
	printVersion = pflag.BoolP("version", "v", false, "Print the version number and exit.")
)

func main() {
	pflag.Parse()

	if *printVersion {
		printVersionInfo()
		return
	}

	if len(pflag.Args()) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ttl [flags] <target>")
		pflag.Usage()
		os.Exit(1)
	}
	target := pflag.Args()[0]

	if *logfile != "" {
		logf, err := tea.LogToFile(*logfile, "")
		if err != nil {
			log.Fatalf("ttl: opening log file: %v", err)
		}
		defer logf.Close()
	}

	resolved, err := resolveTarget(target)
	if err != nil {
		log.Fatalf("ttl: resolving %q: %v", target, err)
	}
	ipVer := util.AddrVersionNetip(resolved)

	cfg := (&config.Config{
		Interval:    *interval,
		MaxTTL:      *maxTTL,
		Count:       *count,
		PayloadSize: *payloadSize,
	}).Normalize()

	sess := session.New(
		session.Target{Original: target, Resolved: resolved},
		session.Config{Interval: cfg.Interval, MaxTTL: cfg.MaxTTL, Count: cfg.Count, PayloadSize: cfg.PayloadSize},
		time.Now(),
	)

	conn, err := rawconn.New(ipVer)
	if err != nil {
		log.Fatalf("ttl: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stopOnSignal(cancel)

	eng := engine.New(sess, conn, resolved, util.Identifier(), nil)
	go eng.Run(ctx)

	go rdns.New(sess, nil).Run(ctx)

	if cacheDir, err := os.UserCacheDir(); err == nil {
		lookup := ix.New(cacheDir, nil, log.Default())
		go ix.NewWorker(lookup, []*session.Session{sess}).Run(ctx)
	} else {
		log.Printf("ttl: no per-user cache directory available; IX enrichment disabled: %v", err)
	}

	model := tui.New(sess, cancel)
	prog := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := prog.Run(); err != nil {
		log.Printf("ttl: ui: %v", err)
	}

	cancel()
	if *exportOnExit {
		if name, err := export.ToFile(sess, time.Now()); err != nil {
			log.Printf("ttl: export on exit: %v", err)
		} else {
			fmt.Fprintf(os.Stderr, "wrote %s\n", name)
		}
	}
}

// resolveTarget accepts either a literal address or a hostname, returning the
// first resolved address in the form the raw-socket layer expects.
func resolveTarget(target string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(target); err == nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip", target)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses found for %q", target)
	}
	addr, ok := netip.AddrFromSlice(ips[0])
	if !ok {
		return netip.Addr{}, fmt.Errorf("unparseable address for %q", target)
	}
	return addr.Unmap(), nil
}

func stopOnSignal(cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	cancel()
}

func printVersionInfo() {
	inf, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Println("ttl: unknown version")
		return
	}
	fmt.Printf("%s %s\nbuilt with %s\n", path.Base(inf.Path), Version, inf.GoVersion)
}
