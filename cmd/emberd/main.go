// Command emberd is a minimal integration smoke point: it wires the
// config, router, engine, and reactor packages together into a single
// running process, serving one static route. It exists to prove the
// pieces link up end to end, not as a general-purpose server binary.
package main

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/arnebrasseur/ember/config"
	"github.com/arnebrasseur/ember/logging"
	"github.com/arnebrasseur/ember/protocol"
	"github.com/arnebrasseur/ember/reactor"
	"github.com/arnebrasseur/ember/router"
)

func main() {
	fs := pflag.NewFlagSet("emberd", pflag.ExitOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	rt, err := config.FromFlags(fs)
	if err != nil {
		os.Exit(2)
	}

	log := logging.New()
	log.SetDebug(rt.Debug)

	rtr := router.New(64)
	_, err = rtr.RouteExact("/healthz", func(c *protocol.Conn, method, uri string, body []byte) []byte {
		return []byte("ok")
	})
	if err != nil {
		log.Errorf("emberd: failed to register /healthz: %v", err)
		os.Exit(1)
	}

	engine := protocol.NewEngine(rtr, log)
	react, err := reactor.Open(reactor.Options{
		Service:         rt.Service,
		Debug:           rt.Debug,
		TTL:             rt.TTL,
		SlotCapacity:    256,
		CatalogCapacity: 64,
		Engine:          engine,
		Log:             log,
	})
	if err != nil {
		log.Errorf("emberd: failed to open reactor: %v", err)
		os.Exit(1)
	}

	log.Infof("emberd: listening on %s", react.Addr())
	if err := react.Run(); err != nil {
		log.Errorf("emberd: reactor exited: %v", err)
		os.Exit(1)
	}
}
