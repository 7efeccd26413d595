package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/slitscan/slitscan/internal/events"
	"github.com/slitscan/slitscan/internal/reactor"
)

func main() {
	bind := flag.String("bind", "0.0.0.0:1234", "listener bind address")
	callbackHost := flag.String("callback-host", "", "IP advertised inside the CONNECT request (defaults to the bind host)")
	callbackPort := flag.Int("callback-port", 0, "port advertised inside the CONNECT request (defaults to the bind port)")
	pipePath := flag.String("pipe", "harvest/harvest.fifo", "ingest FIFO path, created if absent")
	logPath := flag.String("log", "slitscan.log", "append-only log-sink path")
	maxInFlight := flag.Int("max-inflight", 128, "in-flight probe cap")
	probeTimeout := flag.Duration("probe-timeout", reactor.DefaultConfig().ProbeTimeout, "coarse reaper deadline")
	pollInterval := flag.Duration("poll-interval", reactor.DefaultConfig().PollInterval, "readiness-wait ceiling")
	dialRate := flag.Float64("dial-rate", 0, "optional factory dial pacing, in dials/sec (0 = unlimited)")
	flag.Parse()

	bindAddr, err := net.ResolveTCPAddr("tcp", *bind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slitscan: resolve -bind %q: %v\n", *bind, err)
		os.Exit(1)
	}

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slitscan: open -log %q: %v\n", *logPath, err)
		os.Exit(1)
	}
	defer logFile.Close()
	out := io.MultiWriter(os.Stdout, logFile)

	sink := events.NewLogger(out)
	status := events.NewStatus(out)
	defer status.Finish()

	cfg := reactor.DefaultConfig()
	cfg.BindAddr = bindAddr
	cfg.MaxInFlight = *maxInFlight
	cfg.ProbeTimeout = *probeTimeout
	cfg.PollInterval = *pollInterval
	if *callbackHost != "" {
		cfg.CallbackHost = net.ParseIP(*callbackHost)
		if cfg.CallbackHost == nil {
			fmt.Fprintf(os.Stderr, "slitscan: -callback-host %q is not an IP\n", *callbackHost)
			os.Exit(1)
		}
	}
	cfg.CallbackPort = *callbackPort
	if *dialRate > 0 {
		cfg.DialRate = rate.Limit(*dialRate)
		cfg.DialBurst = 1
	}

	r, err := reactor.New(cfg, *pipePath, sink, status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slitscan: %v\n", err)
		os.Exit(1)
	}
	defer r.Close()

	sink.Emit(events.Event{
		Symbol:  events.SymAttempt,
		Handle:  -1,
		State:   "startup",
		Message: "listening on " + bindAddr.String() + ", callback " + callbackAddrString(cfg.CallbackHost, cfg.CallbackPort, bindAddr) + ", pipe " + *pipePath + ", cap " + strconv.Itoa(cfg.MaxInFlight),
	})

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "slitscan: %v\n", err)
		os.Exit(1)
	}
}

// callbackAddrString mirrors reactor's own callbackAddr rendering for the
// startup log line, since the reactor keeps that logic private.
func callbackAddrString(host net.IP, port int, bindAddr *net.TCPAddr) string {
	ip := host
	if ip == nil {
		ip = bindAddr.IP
	}
	p := port
	if p == 0 {
		p = bindAddr.Port
	}
	return ip.String() + ":" + strconv.Itoa(p)
}
