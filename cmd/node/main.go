package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kunal-geeks/dhtnode/internal/config"
	"github.com/kunal-geeks/dhtnode/internal/dht"
	"github.com/kunal-geeks/dhtnode/internal/p2p"
	"github.com/kunal-geeks/dhtnode/internal/storage"
)

var log = logrus.WithField("component", "main")

func main() {
	configPath := flag.String("config", "", "path to a YAML settings file")
	listenAddr := flag.String("listen", "", "UDP address to listen on (overrides config)")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated list of bootstrap nodes (host:port)")
	statePath := flag.String("state", "", "file to load and save the node ID and routing table")
	logLevel := flag.String("log-level", "", "logrus level (overrides config)")
	interactive := flag.Bool("repl", false, "start an interactive shell")
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}
	if *listenAddr != "" {
		settings.ListenAddr = *listenAddr
	}
	if *bootstrapStr != "" {
		settings.Bootstrap = strings.Split(*bootstrapStr, ",")
	}
	if *logLevel != "" {
		settings.LogLevel = *logLevel
	}
	if err := settings.Validate(); err != nil {
		log.Fatalf("invalid settings: %v", err)
	}
	lvl, err := logrus.ParseLevel(settings.LogLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", settings.LogLevel, err)
	}
	logrus.SetLevel(lvl)

	transport := p2p.NewUDPTransport(p2p.UDPTransportOpts{ListenAddr: settings.ListenAddr})
	if err := transport.ListenAndAccept(); err != nil {
		log.Fatalf("failed to listen on %s: %v", settings.ListenAddr, err)
	}
	log.WithField("addr", transport.Addr()).Info("listening")

	var seeds []netip.AddrPort
	opts := dht.ServiceOpts{Settings: settings, Transport: transport}
	if *statePath != "" {
		st, err := storage.LoadState(*statePath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			log.WithError(err).Warn("ignoring unreadable state file")
		default:
			opts.ID = dht.ID(st.NodeID)
			seeds = append(seeds, st.Endpoints()...)
			log.WithField("nodes", len(st.Nodes)).Info("loaded state")
		}
	}
	seeds = append(seeds, resolveSeeds(settings.Bootstrap)...)

	svc, err := dht.NewService(opts)
	if err != nil {
		log.Fatalf("failed to create DHT service: %v", err)
	}
	log.WithField("id", svc.Status().ID).Info("node started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	if len(seeds) > 0 {
		go bootstrap(ctx, svc, seeds)
	} else {
		log.Warn("no bootstrap nodes, waiting to be contacted")
	}

	if *interactive {
		go func() {
			runREPL(ctx, svc)
			stop()
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-runErr:
		log.WithError(err).Error("service stopped")
	}

	if *statePath != "" {
		if err := storage.SaveState(*statePath, snapshot(svc)); err != nil {
			log.WithError(err).Error("failed to save state")
		}
	}
	if err := svc.Close(); err != nil {
		log.WithError(err).Warn("close")
	}
}

// bootstrap retries the bootstrap lookup until the routing table has at
// least one node.
func bootstrap(ctx context.Context, svc *dht.Service, seeds []netip.AddrPort) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxElapsedTime = 5 * time.Minute

	err := backoff.Retry(func() error {
		bctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		found, err := svc.Bootstrap(bctx, seeds)
		if err != nil {
			return err
		}
		if svc.Status().Nodes == 0 {
			return errors.New("routing table is still empty")
		}
		log.WithField("closest", len(found)).Info("bootstrap complete")
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		log.WithError(err).Error("bootstrap failed")
	}
}

// resolveSeeds turns host:port strings into endpoints, skipping the ones
// that do not resolve.
func resolveSeeds(hosts []string) []netip.AddrPort {
	var out []netip.AddrPort
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		ap, err := netip.ParseAddrPort(h)
		if err != nil {
			ua, rerr := net.ResolveUDPAddr("udp", h)
			if rerr != nil {
				log.WithError(rerr).WithField("host", h).Warn("cannot resolve bootstrap node")
				continue
			}
			ap = ua.AddrPort()
		}
		// The resolver hands back IPv4 as 16 byte addresses.
		out = append(out, netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()))
	}
	return out
}

func snapshot(svc *dht.Service) storage.State {
	var st storage.State
	svc.Do(func(n *dht.Node) {
		st.NodeID = n.ID().Key()
		for _, c := range n.Table().Contacts() {
			if c.Confirmed() {
				st.Nodes = append(st.Nodes, p2p.NodeInfo{ID: c.ID, Addr: c.Addr})
			}
		}
	})
	return st
}

