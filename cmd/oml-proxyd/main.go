// Command oml-proxyd is a store-and-forward relay (spec §9 supplemented
// features): it speaks the same server protocol as oml-serverd to its own
// clients, but instead of persisting rows to a local database it re-emits
// them as a client of a further upstream oml-serverd. Grounded on the
// read_header/C_DATA relay loop of proxy_server/sm.c, reusing this module's
// own session state machine and client egress rather than a parallel
// implementation.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oml-collect/oml/internal/proxy"
	"github.com/oml-collect/oml/internal/runtimeenv"
	"github.com/oml-collect/oml/internal/serverd"
	"github.com/oml-collect/oml/pkg/log"
)

// ProgramConfig is the JSON shape of -config, following the same
// defaults-then-overwrite convention as oml-serverd's.
type ProgramConfig struct {
	// Addr the relay's own TCP listener binds to (clients connect here).
	Addr string `json:"addr"`

	// Upstream is the further oml-serverd this relay forwards every
	// accepted row to.
	Upstream string `json:"upstream"`

	// MetricsAddr the Prometheus /metrics HTTP listener binds to. Empty
	// disables it.
	MetricsAddr string `json:"metrics-addr"`

	User  string `json:"user"`
	Group string `json:"group"`
}

var programConfig = ProgramConfig{
	Addr:        ":7080",
	Upstream:    "127.0.0.1:7070",
	MetricsAddr: ":9091",
}

func main() {
	var flagGops bool
	var flagConfigFile string
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "./proxy-config.json", "Overwrite the global config options by those specified in `config.json`")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeenv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	if f, err := os.Open(flagConfigFile); err != nil {
		if !os.IsNotExist(err) || flagConfigFile != "./proxy-config.json" {
			log.Fatal(err)
		}
	} else {
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&programConfig); err != nil {
			log.Fatal(err)
		}
		f.Close()
	}

	be := proxy.New(programConfig.Upstream)

	reg := prometheus.NewRegistry()
	metrics := serverd.NewMetrics(reg)
	tables := serverd.NewTableRegistry(be)

	listener, err := net.Listen("tcp", programConfig.Addr)
	if err != nil {
		log.Fatalf("bind %s: %s", programConfig.Addr, err.Error())
	}
	log.Infof("oml-proxyd listening at %s, forwarding to %s", programConfig.Addr, programConfig.Upstream)

	if err := runtimeenv.DropPrivileges(programConfig.User, programConfig.Group); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	if programConfig.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(programConfig.MetricsAddr, mux); err != nil && err != http.ErrServerClosed {
				log.Errorf("metrics server: %s", err.Error())
			}
		}()
		log.Infof("metrics listening at %s", programConfig.MetricsAddr)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptLoop(listener, tables, be, metrics)
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	runtimeenv.SystemdNotify(true, "running")
	<-sigs
	runtimeenv.SystemdNotify(false, "shutting down")
	listener.Close()
	wg.Wait()
	log.Info("oml-proxyd: clean shutdown complete")
}

func acceptLoop(listener net.Listener, tables *serverd.TableRegistry, be *proxy.Backend, metrics *serverd.Metrics) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Infof("oml-proxyd: accept loop stopping: %s", err.Error())
			return
		}
		go handleConn(conn, tables, be, metrics)
	}
}

func handleConn(conn net.Conn, tables *serverd.TableRegistry, be *proxy.Backend, metrics *serverd.Metrics) {
	defer conn.Close()
	sess := serverd.NewSession(conn, tables, be, metrics)
	defer sess.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(buf[:n]); ferr != nil {
				log.Warnf("oml-proxyd: session from %s: %s", conn.RemoteAddr(), ferr.Error())
				return
			}
		}
		if err != nil {
			return
		}
	}
}
