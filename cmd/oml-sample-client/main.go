// Command oml-sample-client is a demonstration instrumented application
// (spec §9 supplemented features), grounded on the scaffold-generated
// generator.c: it registers a "sin" measurement point carrying a label, an
// angle and a sine sample, injects a fixed number of samples at a given
// frequency, and closes cleanly. It also registers a "seq" MP to exercise
// the Loss filter against a counter incremented by one per sample, and injects one
// piece of metadata describing the sin MP's units.
package main

import (
	"flag"
	"math"
	"net"
	"strconv"
	"time"

	"github.com/oml-collect/oml/internal/client"
	"github.com/oml-collect/oml/internal/client/filter"
	"github.com/oml-collect/oml/pkg/log"
	"github.com/oml-collect/oml/pkg/omlvalue"
	"github.com/oml-collect/oml/pkg/wire"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:7070", "oml-serverd address to connect to")
		expID    = flag.String("experiment-id", "sample-generator", "experiment-id (domain) header value")
		senderID = flag.String("sender-id", "generator-1", "sender-id header value")
		binary   = flag.Bool("binary", false, "use the binary wire encoding instead of text")
		samples  = flag.Int("samples", 100, "number of samples to inject")
		freq     = flag.Float64("frequency", 1.0, "signal frequency in Hz")
		interval = flag.Duration("sample-interval", 100*time.Millisecond, "time between samples")
		amp      = flag.Float64("amplitude", 1.0, "sine amplitude")
	)
	flag.Parse()

	content := "text"
	var encoder wire.Encoder = wire.TextCodec{}
	if *binary {
		content = "binary"
		encoder = wire.BinaryCodec{}
	}

	dial := func() (net.Conn, error) {
		return net.DialTimeout("tcp", *addr, 10*time.Second)
	}
	egress := client.NewEgress(1<<20, 32*1024, dial, *senderID)
	defer egress.Close()
	egress.PushMeta([]byte("domain: " + *expID + "\nsender-id: " + *senderID + "\ncontent: " + content + "\n\n"))

	rt := client.NewRuntime(egress, encoder)
	defer rt.Close()

	sinMP, err := rt.NewMP("sin", omlvalue.Schema{
		Name: "sin",
		Fields: []omlvalue.FieldDef{
			{Name: "label", Typ: omlvalue.TypeString},
			{Name: "angle", Typ: omlvalue.TypeDouble},
			{Name: "value", Typ: omlvalue.TypeDouble},
		},
	})
	if err != nil {
		log.Fatalf("register sin MP: %s", err.Error())
	}

	if _, err := sinMP.AddStream("sin", []client.FilterInput{
		{Field: "label", Filter: filter.NewLast("label", omlvalue.TypeString)},
		{Field: "angle", Filter: filter.NewLast("angle", omlvalue.TypeDouble)},
		{Field: "value", Filter: filter.NewLast("value", omlvalue.TypeDouble)},
	}, client.Trigger{Kind: client.TriggerSampleCount, Count: 1}); err != nil {
		log.Fatalf("attach sin stream: %s", err.Error())
	}

	if err := sinMP.InjectMetadata("units", "volts", "value"); err != nil {
		log.Warnf("inject sin units metadata: %s", err.Error())
	}

	seqMP, err := rt.NewMP("seq", omlvalue.Schema{
		Name:   "seq",
		Fields: []omlvalue.FieldDef{{Name: "count", Typ: omlvalue.TypeUInt64}},
	})
	if err != nil {
		log.Fatalf("register seq MP: %s", err.Error())
	}
	if _, err := seqMP.AddStream("seq_loss", []client.FilterInput{
		{Field: "count", Filter: filter.NewLoss(0)},
	}, client.Trigger{Kind: client.TriggerSampleCount, Count: 10}); err != nil {
		log.Fatalf("attach seq_loss stream: %s", err.Error())
	}

	delta := *freq * interval.Seconds() * 2 * math.Pi
	angle := 0.0
	for i := 1; i <= *samples; i++ {
		label := sampleLabel(i)
		value := *amp * math.Sin(angle)

		if err := sinMP.Inject([]omlvalue.Value{
			omlvalue.String(label),
			omlvalue.Double(angle),
			omlvalue.Double(value),
		}); err != nil {
			log.Fatalf("inject sin sample %d: %s", i, err.Error())
		}
		if err := seqMP.Inject([]omlvalue.Value{omlvalue.UInt64(uint64(i))}); err != nil {
			log.Fatalf("inject seq sample %d: %s", i, err.Error())
		}

		angle = math.Mod(angle+delta, 2*math.Pi)
		time.Sleep(*interval)
	}

	log.Infof("oml-sample-client: injected %d samples, done", *samples)
}

func sampleLabel(count int) string {
	return "sample-" + strconv.Itoa(count)
}
