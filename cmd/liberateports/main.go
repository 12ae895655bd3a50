// Command liberateports opens a single port forwarding on whatever gateway
// protocol the LAN's router supports and holds it open until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hlandau/xlog"

	portmap "github.com/Lamby777/liberate-your-ports"
	"github.com/Lamby777/liberate-your-ports/netcap"
	"github.com/Lamby777/liberate-your-ports/transport"
)

var log, Log = xlog.NewQuiet("liberateports")

func main() {
	var (
		internalPort = flag.Int("internal-port", 0, "local port to forward (required)")
		externalPort = flag.Int("external-port", 0, "external port to request (0 lets the router choose)")
		proto        = flag.String("proto", "tcp", "transport to map: tcp or udp")
		lifetime     = flag.Duration("lifetime", 2*time.Hour, "requested mapping lifetime (0 requests a static mapping)")
	)
	flag.Parse()

	if *internalPort <= 0 || *internalPort > 65535 {
		fmt.Fprintln(os.Stderr, "liberateports: -internal-port is required and must be 1-65535")
		os.Exit(2)
	}

	var t transport.Transport
	switch *proto {
	case "tcp":
		t = transport.TCP
	case "udp":
		t = transport.UDP
	default:
		fmt.Fprintf(os.Stderr, "liberateports: unknown -proto %q, want tcp or udp\n", *proto)
		os.Exit(2)
	}

	o := portmap.New(netcap.New())
	defer o.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	support := o.ProbeProtocolSupport(ctx)
	cancel()
	log.Infof("protocol support: natPmp=%v pcp=%v upnp=%v", support.NatPmp, support.Pcp, support.Upnp)

	addCtx, addCancel := context.WithTimeout(context.Background(), 10*time.Second)
	m := o.AddMapping(addCtx, t, uint16(*internalPort), uint16(*externalPort), *lifetime)
	addCancel()

	if m.Failed() {
		fmt.Fprintf(os.Stderr, "liberateports: failed to open mapping: %s\n", m.ErrInfo)
		os.Exit(1)
	}

	fmt.Printf("mapped %s:%d -> external port %d via %s (lifetime %ds)\n", m.InternalIP, m.InternalPort, m.ExternalPort, m.Protocol, m.Lifetime)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down, removing mapping...")
}
