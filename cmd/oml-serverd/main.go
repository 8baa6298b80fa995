// Command oml-serverd is the collection server daemon (spec §6): it accepts
// client connections, drives one serverd.Session per connection, and
// persists accepted rows through a backend.Backend.
package main

import (
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oml-collect/oml/backend/sqlite"
	"github.com/oml-collect/oml/internal/backend"
	"github.com/oml-collect/oml/internal/runtimeenv"
	"github.com/oml-collect/oml/internal/serverd"
	"github.com/oml-collect/oml/internal/telemetry"
	"github.com/oml-collect/oml/pkg/log"
)

// ProgramConfig is the JSON shape of -config, with defaults pre-populated
// in programConfig below, following the teacher's own main.go convention.
type ProgramConfig struct {
	// Addr the collection TCP listener binds to.
	Addr string `json:"addr"`

	// MetricsAddr the Prometheus /metrics HTTP listener binds to. Empty
	// disables it.
	MetricsAddr string `json:"metrics-addr"`

	// DBDir is the directory holding one SQLite file per experiment.
	DBDir string `json:"db-dir"`

	// Drop root permissions once the listener is bound.
	User  string `json:"user"`
	Group string `json:"group"`

	Telemetry telemetry.Config `json:"telemetry"`
}

var programConfig = ProgramConfig{
	Addr:        ":7070",
	MetricsAddr: ":9090",
	DBDir:       "./var/experiments",
}

func main() {
	var flagGops bool
	var flagConfigFile string
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the global config options by those specified in `config.json`")
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
		if !os.IsNotExist(err) || flagConfigFile != "./config.json" {
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

	if strings.HasPrefix(programConfig.Telemetry.Password, "env:") {
		programConfig.Telemetry.Password = os.Getenv(strings.TrimPrefix(programConfig.Telemetry.Password, "env:"))
	}
	telemetry.Init(programConfig.Telemetry)
	telemetry.Connect()
	defer telemetry.GetClient().Close()

	be, err := sqlite.New(programConfig.DBDir)
	if err != nil {
		log.Fatalf("sqlite backend: %s", err.Error())
	}

	reg := prometheus.NewRegistry()
	metrics := serverd.NewMetrics(reg)
	tables := serverd.NewTableRegistry(be)

	listener, err := net.Listen("tcp", programConfig.Addr)
	if err != nil {
		log.Fatalf("bind %s: %s", programConfig.Addr, err.Error())
	}
	log.Infof("oml-serverd listening at %s", programConfig.Addr)

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
	memSigs := make(chan os.Signal, 1)
	signal.Notify(memSigs, syscall.SIGUSR1)
	go func() {
		for range memSigs {
			logMemStats()
		}
	}()

	runtimeenv.SystemdNotify(true, "running")
	<-sigs
	runtimeenv.SystemdNotify(false, "shutting down")
	listener.Close()
	wg.Wait()
	log.Info("oml-serverd: clean shutdown complete")
}

// acceptLoop accepts connections until listener is closed, handing each off
// to its own goroutine running a serverd.Session read loop.
func acceptLoop(listener net.Listener, tables *serverd.TableRegistry, be backend.Backend, metrics *serverd.Metrics) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Infof("oml-serverd: accept loop stopping: %s", err.Error())
			return
		}
		go handleConn(conn, tables, be, metrics)
	}
}

// handleConn drives one connection's session state machine until it closes
// the connection or a read fails.
func handleConn(conn net.Conn, tables *serverd.TableRegistry, be backend.Backend, metrics *serverd.Metrics) {
	defer conn.Close()
	sess := serverd.NewSession(conn, tables, be, metrics)
	defer sess.Close()

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := sess.Feed(buf[:n]); ferr != nil {
				log.Warnf("oml-serverd: session from %s: %s", conn.RemoteAddr(), ferr.Error())
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func logMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Infof("mem: alloc=%dKiB sys=%dKiB numGC=%d goroutines=%d",
		m.Alloc/1024, m.Sys/1024, m.NumGC, runtime.NumGoroutine())
}
