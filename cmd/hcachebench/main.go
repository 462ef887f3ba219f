// Command hcachebench drives a writer/reader pair of history caches
// under synthetic load, the way cmd/tempo-vulture drives a Tempo
// install: a Prometheus-scraped process that loops a configurable
// workload and reports pass/fail counters as metrics rather than a one-
// shot benchmark. It also demonstrates the outermost-dispatch-loop
// recovery pattern errors.FatalError's doc comment calls for.
package main

import (
	"crypto/md5"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tempodb-dds/historycache/pkg/historycache"
	"github.com/tempodb-dds/historycache/pkg/historycache/hclog"
	"github.com/tempodb-dds/historycache/pkg/historycache/xfer"
)

var (
	prometheusListenAddress string
	prometheusPath          string

	numKeys      int
	writeBackoff time.Duration
	maxDepth     int
	transferWorkers int

	logger log.Logger
)

var (
	metricIterations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hcachebench",
		Name:      "iterations_total",
		Help:      "Number of write/read cycles attempted.",
	})
	metricWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hcachebench",
		Name:      "write_errors_total",
		Help:      "Number of AddKey calls that returned an error.",
	})
)

func init() {
	flag.StringVar(&prometheusListenAddress, "prometheus-listen-address", ":8080", "The address to listen on for Prometheus scrapes.")
	flag.StringVar(&prometheusPath, "prometheus-path", "/metrics", "The path to publish Prometheus metrics to.")
	flag.IntVar(&numKeys, "keys", 1000, "Number of distinct instance keys to cycle through.")
	flag.DurationVar(&writeBackoff, "write-backoff", 10*time.Millisecond, "Pause between write cycles.")
	flag.IntVar(&maxDepth, "max-depth", 8, "KEEP_LAST depth for the reader cache.")
	flag.IntVar(&transferWorkers, "transfer-workers", 4, "Goroutines draining the pending-transfer ready list.")
}

type benchTypeSupport struct{}

func (benchTypeSupport) HashFromKey(key []byte, secure bool) historycache.KeyHash {
	return historycache.KeyHash(md5.Sum(key))
}

func (benchTypeSupport) KeyToNative(dest interface{}, dynamic, secure bool, key []byte) error {
	return nil
}

// runDispatchLoop is the recover-log-exit boundary errors.FatalError's
// doc comment describes: historycache panics with *historycache.FatalError
// for conditions it considers unrecoverable (ref-count overflow, instance
// walk recursion, internal invariant violations), and a hosting process
// is expected to recover here, log at a fatal level, and exit rather
// than let the panic unwind into unrelated goroutines.
func runDispatchLoop(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*historycache.FatalError); ok {
				level.Error(logger).Log("msg", "fatal cache error, exiting", "err", fe.Error())
				os.Exit(1)
			}
			panic(r)
		}
	}()
	fn()
}

func main() {
	flag.Parse()

	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	hclog.SetLogger(logger)

	cfg := historycache.DefaultConfig()
	cfg.QoS.MaxSamplesPerKey = maxDepth
	cfg.TransferWorkers = transferWorkers
	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}
	historycache.Init(cfg)
	xfer.NewDispatcher(xfer.Config{Workers: cfg.TransferWorkers, QueueDepth: cfg.TransferQueueDepth})

	wc := historycache.NewCache(historycache.CacheOptions{
		Writer: true, MultiInst: true, TypeSupport: benchTypeSupport{}, Name: "bench-writer",
	})
	rc := historycache.NewCache(historycache.CacheOptions{
		MultiInst: true, MaxDepth: maxDepth, TypeSupport: benchTypeSupport{}, Name: "bench-reader",
	})
	historycache.MatchBegin(wc, rc)

	http.Handle(prometheusPath, promhttp.Handler())
	go func() {
		level.Info(logger).Log("msg", "serving metrics", "addr", prometheusListenAddress, "path", prometheusPath)
		if err := http.ListenAndServe(prometheusListenAddress, nil); err != nil {
			level.Error(logger).Log("msg", "metrics server exited", "err", err)
		}
	}()

	store := historycache.NewSampleStore(historycache.PoolLimits{})
	keys := make([]string, numKeys)
	for i := range keys {
		keys[i] = randomKey()
	}

	runDispatchLoop(func() {
		for {
			writeOnce(wc, rc, store, keys)
			metricIterations.Inc()
			time.Sleep(writeBackoff)
		}
	})
}

func writeOnce(wc, rc *historycache.Cache, store *historycache.SampleStore, keys []string) {
	key := keys[rand.Intn(len(keys))]
	hash := benchTypeSupport{}.HashFromKey([]byte(key), false)

	s, err := store.Allocate()
	if err != nil {
		level.Warn(logger).Log("msg", "sample allocation failed", "err", err)
		return
	}
	s.Kind = historycache.Alive
	s.Writer = 1
	s.Time = historycache.Now()
	s.Data = []byte(key)

	if err := wc.AddKey(hash, []byte(key), s, nil, false); err != nil {
		metricWriteErrors.Inc()
		level.Warn(logger).Log("msg", "add_key failed", "key", key, "err", err)
		return
	}

	entries, err := rc.Get(1, 0, false, historycache.SkipRead, nil, nil, nil, false)
	if err != nil {
		level.Warn(logger).Log("msg", "get failed", "err", err)
		return
	}
	rc.Done(entries)
}

func randomKey() string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 16)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
