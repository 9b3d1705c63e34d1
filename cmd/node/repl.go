package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/readline.v1"

	"github.com/kunal-geeks/dhtnode/internal/dht"
)

const replTimeout = 30 * time.Second

// runREPL reads commands until EOF or "quit".
func runREPL(ctx context.Context, svc *dht.Service) {
	rl, err := readline.New("dht> ")
	if err != nil {
		log.WithError(err).Error("cannot start shell")
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil { // io.EOF, readline.ErrInterrupt
			return
		}
		input := strings.Fields(line)
		if len(input) == 0 {
			continue
		}
		if input[0] == "quit" || input[0] == "exit" {
			return
		}

		cctx, cancel := context.WithTimeout(ctx, replTimeout)
		err = runCommand(cctx, svc, os.Stdout, input)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stdout, "error: %v\n", err)
		}
	}
}

var errUsage = errors.New("bad arguments, try help")

func runCommand(ctx context.Context, svc *dht.Service, w io.Writer, input []string) error {
	args := input[1:]
	switch input[0] {
	case "help":
		displayHelp(w)

	case "status":
		return dht.WriteStatus(w, svc.Status())

	case "ping":
		if len(args) != 1 {
			return errUsage
		}
		ep, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		id, err := svc.Ping(ctx, ep)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s is %s\n", ep, id)

	case "peers":
		if len(args) < 1 {
			return errUsage
		}
		ih, err := dht.IDFromHex(args[0])
		if err != nil {
			return err
		}
		var flags dht.AnnounceFlags
		if len(args) > 1 && args[1] == "scrape" {
			flags |= dht.AnnounceScrape
		}
		peers, res, err := svc.GetPeers(ctx, ih, flags)
		if err != nil {
			return err
		}
		for _, p := range peers {
			fmt.Fprintln(w, p)
		}
		fmt.Fprintf(w, "%d peers from %d nodes", len(peers), len(res.Nodes))
		if flags&dht.AnnounceScrape != 0 {
			fmt.Fprintf(w, ", ~%d seeds, ~%d downloaders", res.Seeds, res.Downloaders)
		}
		fmt.Fprintln(w)

	case "announce":
		if len(args) < 2 {
			return errUsage
		}
		ih, err := dht.IDFromHex(args[0])
		if err != nil {
			return err
		}
		port, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		var flags dht.AnnounceFlags
		for _, a := range args[2:] {
			switch a {
			case "seed":
				flags |= dht.AnnounceSeed
			case "implied":
				flags |= dht.AnnounceImpliedPort
			}
		}
		peers, err := svc.Announce(ctx, ih, port, flags)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "announced, %d peers known\n", len(peers))

	case "get":
		if len(args) != 1 {
			return errUsage
		}
		target, err := dht.IDFromHex(args[0])
		if err != nil {
			return err
		}
		it, found, err := svc.Get(ctx, target)
		if err != nil {
			return err
		}
		printItem(w, it, found)

	case "put":
		if len(args) < 1 {
			return errUsage
		}
		target, acks, err := svc.Put(ctx, []byte(strings.Join(args, " ")))
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "stored %s on %d nodes\n", target, acks)

	case "mget":
		if len(args) < 1 {
			return errUsage
		}
		pk, err := hex.DecodeString(args[0])
		if err != nil || len(pk) != ed25519.PublicKeySize {
			return fmt.Errorf("public key must be %d hex bytes", ed25519.PublicKeySize)
		}
		var k [32]byte
		copy(k[:], pk)
		it, found, err := svc.GetMutable(ctx, k, saltArg(args, 1))
		if err != nil {
			return err
		}
		printItem(w, it, found)

	case "mput":
		if len(args) < 2 {
			return errUsage
		}
		seed, err := hex.DecodeString(args[0])
		if err != nil || len(seed) != ed25519.SeedSize {
			return fmt.Errorf("key seed must be %d hex bytes", ed25519.SeedSize)
		}
		v := []byte(args[1])
		it, acks, err := svc.PutMutable(ctx, ed25519.NewKeyFromSeed(seed), saltArg(args, 2),
			func(dht.Item, bool) ([]byte, bool) { return v, true },
			dht.PutOptions{CAS: true},
		)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "stored %s seq %d on %d nodes\n", it.Target(), it.Seq, acks)

	case "sample":
		if len(args) < 1 {
			return errUsage
		}
		ep, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		target := svc.Status().ID
		if len(args) > 1 {
			if target, err = dht.IDFromHex(args[1]); err != nil {
				return err
			}
		}
		res, err := svc.SampleInfohashes(ctx, ep, target)
		if err != nil {
			return err
		}
		for _, ih := range res.Samples {
			fmt.Fprintln(w, ih)
		}
		fmt.Fprintf(w, "%d of %d infohashes, next sample in %s\n", len(res.Samples), res.Num, res.Interval)

	default:
		displayHelp(w)
	}
	return nil
}

func saltArg(args []string, i int) []byte {
	if len(args) > i {
		return []byte(args[i])
	}
	return nil
}

func printItem(w io.Writer, it dht.Item, found bool) {
	if !found {
		fmt.Fprintln(w, "not found")
		return
	}
	if it.Mutable {
		fmt.Fprintf(w, "seq %d: %s\n", it.Seq, it.V)
		return
	}
	fmt.Fprintf(w, "%s\n", it.V)
}

func displayHelp(w io.Writer) {
	fmt.Fprint(w, `commands:
  status
  ping <host:port>
  peers <infohash> [scrape]
  announce <infohash> <port> [seed] [implied]
  get <target>
  put <bencoded value>
  mget <public key> [salt]
  mput <key seed> <bencoded value> [salt]
  sample <host:port> [target]
  quit
`)
}
