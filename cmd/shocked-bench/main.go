package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"
	"runtime/metrics"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/shocked/pkg/channel"
	"github.com/vango-dev/shocked/pkg/protocol"
	"github.com/vango-dev/shocked/pkg/server"
)

const (
	gib = int64(1024 * 1024 * 1024)

	benchGroup = "Load"
)

type profile struct {
	Name          string
	Clients       int
	Duration      time.Duration
	RPS           float64
	RoomSize      int
	PayloadBytes  int
	MaxProcs      int
	MemLimitBytes int64
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      50,
		Duration:     10 * time.Second,
		RPS:          2,
		RoomSize:     5,
		PayloadBytes: 24,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Duration:     30 * time.Second,
		RPS:          5,
		RoomSize:     10,
		PayloadBytes: 24,
	},
	"stress": {
		Name:          "stress",
		Clients:       500,
		Duration:      60 * time.Second,
		RPS:           10,
		RoomSize:      20,
		PayloadBytes:  24,
		MaxProcs:      4,
		MemLimitBytes: 2 * gib,
	},
}

type benchConfig struct {
	Profile       string
	Clients       int
	Duration      time.Duration
	RPS           float64
	RoomSize      int
	PayloadBytes  int
	Codec         protocol.Codec
	MaxProcs      int
	MemLimitBytes int64
	JSONOutput    string
	CallTimeout   time.Duration
}

type benchCounters struct {
	callsSent     atomic.Uint64
	callsComplete atomic.Uint64
	callBytes     atomic.Uint64
	updateBytes   atomic.Uint64
	updateFrames  atomic.Uint64
	actionsTotal  atomic.Uint64
}

type benchErrors struct {
	dialFailures        atomic.Uint64
	createFailures      atomic.Uint64
	callWriteFailures   atomic.Uint64
	frameDecodeFailures atomic.Uint64
	apiErrors           atomic.Uint64
	tokenMissing        atomic.Uint64
	totalErrors         atomic.Uint64
}

type kindCounts struct {
	counts [256]atomic.Uint64
}

func (k *kindCounts) add(kind protocol.Kind) {
	if kind >= 0 && int(kind) < len(k.counts) {
		k.counts[kind].Add(1)
	}
}

func (k *kindCounts) snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	for i := range k.counts {
		count := k.counts[i].Load()
		if count == 0 {
			continue
		}
		kind := protocol.Kind(i)
		name := kind.String()
		if !kind.Known() {
			name = fmt.Sprintf("0x%02x", i)
		}
		out[name] = count
	}
	return out
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if cfg.MaxProcs > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcs)
	}
	if cfg.MemLimitBytes > 0 {
		debug.SetMemoryLimit(cfg.MemLimitBytes)
	}

	debug.SetGCPercent(100)

	report, err := run(cfg)
	if err != nil {
		log.Fatal(err)
	}

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

// newBenchService returns a service serving LoadTracker under benchGroup.
func newBenchService(codec protocol.Codec) (*server.Service, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := server.NewService(server.Options{
		Name:    "bench",
		Codec:   codec,
		Logger:  logger,
		Driver:  channel.NewMemoryDriver(channel.Config{Logger: logger}),
		Session: &server.SessionConfig{InboxSize: 1024},
	})
	if err := svc.RegisterTracker(loadClass(), benchGroup); err != nil {
		return nil, err
	}
	return svc, nil
}

// run starts an in-process server and drives cfg.Clients against it.
func run(cfg benchConfig) (benchReport, error) {
	svc, err := newBenchService(cfg.Codec)
	if err != nil {
		return benchReport{}, fmt.Errorf("register: %w", err)
	}

	srvCfg := server.DefaultServerConfig().
		WithGatherer(prometheus.NewRegistry()).
		WithCheckOrigin(func(r *http.Request) bool { return true })
	srv := server.New(srvCfg, svc)
	srv.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return benchReport{}, fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{Handler: srv.Handler()}
	go func() {
		_ = httpServer.Serve(ln)
	}()
	defer func() {
		svc.Close()
		_ = httpServer.Shutdown(context.Background())
	}()

	wsURL := "ws://" + ln.Addr().String() + "/"

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	samplesCh := make(chan time.Duration, sampleBuffer(cfg.Clients))
	var samples []time.Duration
	var samplesMu sync.Mutex
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for rtt := range samplesCh {
			samplesMu.Lock()
			samples = append(samples, rtt)
			samplesMu.Unlock()
		}
	}()

	var counters benchCounters
	var errCounts benchErrors
	var kinds kindCounts

	var before runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	beforeMetrics := readRuntimeMetrics()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		clientID := i
		go func() {
			defer wg.Done()
			if err := runClient(ctx, wsURL, clientID, cfg, &counters, &errCounts, &kinds, samplesCh); err != nil {
				errCounts.totalErrors.Add(1)
			}
		}()
	}

	wg.Wait()
	close(samplesCh)
	<-collectorDone

	elapsed := time.Since(start)

	var after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&after)
	afterMetrics := readRuntimeMetrics()

	samplesMu.Lock()
	latencies := append([]time.Duration(nil), samples...)
	samplesMu.Unlock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	return buildReport(cfg, elapsed, latencies, &counters, &errCounts, &kinds, before, after, beforeMetrics, afterMetrics), nil
}

func sampleBuffer(clients int) int {
	if clients < 1 {
		return 1024
	}
	buf := clients * 4
	if buf < 1024 {
		buf = 1024
	}
	return buf
}

func parseConfig(fs *flag.FlagSet, args []string) (benchConfig, error) {
	profileFlag := fs.String("profile", "standard", "profile: fast|standard|stress")
	clientsFlag := fs.Int("clients", -1, "number of concurrent websocket clients")
	durationFlag := fs.String("duration", "", "benchmark duration, e.g. 30s")
	rpsFlag := fs.Float64("rps", -1, "target API calls/sec per client")
	roomFlag := fs.Int("room", -1, "clients sharing one channel (1 disables fan-out)")
	payloadFlag := fs.Int("payload-bytes", -1, "bytes of token payload per call")
	codecFlag := fs.String("codec", "json", "wire codec: json|cbor")
	maxProcsFlag := fs.Int("max-procs", -1, "GOMAXPROCS cap (0 to leave unchanged)")
	memLimitFlag := fs.String("mem-limit", "", "GOMEMLIMIT (e.g. 2GiB)")
	jsonFlag := fs.String("json", "-", "JSON output path ('-' for stdout)")
	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	if name == "" {
		name = "standard"
	}

	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	codec, err := protocol.CodecByName(strings.TrimSpace(*codecFlag))
	if err != nil {
		return benchConfig{}, fmt.Errorf("invalid -codec: %w", err)
	}

	cfg := benchConfig{
		Profile:       base.Name,
		Clients:       base.Clients,
		Duration:      base.Duration,
		RPS:           base.RPS,
		RoomSize:      base.RoomSize,
		PayloadBytes:  base.PayloadBytes,
		Codec:         codec,
		MaxProcs:      base.MaxProcs,
		MemLimitBytes: base.MemLimitBytes,
		JSONOutput:    strings.TrimSpace(*jsonFlag),
	}

	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != "" {
		d, err := time.ParseDuration(*durationFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -duration: %w", err)
		}
		cfg.Duration = d
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *roomFlag != -1 {
		cfg.RoomSize = *roomFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if *maxProcsFlag != -1 {
		cfg.MaxProcs = *maxProcsFlag
	}
	if *memLimitFlag != "" {
		limit, err := parseBytes(*memLimitFlag)
		if err != nil {
			return benchConfig{}, fmt.Errorf("invalid -mem-limit: %w", err)
		}
		cfg.MemLimitBytes = limit
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	if cfg.Clients <= 0 {
		return benchConfig{}, errors.New("-clients must be > 0")
	}
	if cfg.Duration <= 0 {
		return benchConfig{}, errors.New("-duration must be > 0")
	}
	if cfg.RPS <= 0 {
		return benchConfig{}, errors.New("-rps must be > 0")
	}
	if cfg.RoomSize <= 0 {
		return benchConfig{}, errors.New("-room must be > 0")
	}
	if cfg.PayloadBytes <= 0 {
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	}
	if cfg.MaxProcs < 0 {
		return benchConfig{}, errors.New("-max-procs must be >= 0")
	}
	if cfg.MemLimitBytes < 0 {
		return benchConfig{}, errors.New("-mem-limit must be >= 0")
	}

	cfg.CallTimeout = callTimeout(cfg.RPS)
	return cfg, nil
}

func callTimeout(rps float64) time.Duration {
	if rps <= 0 {
		return 0
	}
	period := time.Duration(float64(time.Second) / rps)
	timeout := period * 10
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	return timeout
}

func parseBytes(input string) (int64, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return 0, errors.New("empty size")
	}

	var i int
	for i < len(s) {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' {
			i++
			continue
		}
		break
	}
	if i == 0 {
		return 0, fmt.Errorf("invalid size %q", input)
	}

	numPart := strings.TrimSpace(s[:i])
	suffix := strings.ToLower(strings.TrimSpace(s[i:]))

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, err
	}

	multiplier := float64(1)
	switch suffix {
	case "", "b":
		multiplier = 1
	case "kb":
		multiplier = 1e3
	case "mb":
		multiplier = 1e6
	case "gb":
		multiplier = 1e9
	case "kib":
		multiplier = 1024
	case "mib":
		multiplier = 1024 * 1024
	case "gib":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size suffix %q", suffix)
	}

	return int64(value*multiplier + 0.5), nil
}

// benchConn wraps a client connection with the configured codec.
type benchConn struct {
	conn  *websocket.Conn
	codec protocol.Codec
}

func (c benchConn) write(msg protocol.Message) (int, error) {
	data, err := msg.Encode(c.codec)
	if err != nil {
		return 0, err
	}
	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	return len(data), c.conn.WriteMessage(mt, data)
}

func (c benchConn) read() (protocol.Message, int, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Message{}, 0, err
	}
	msg, err := protocol.Decode(c.codec, data)
	return msg, len(data), err
}

func runClient(
	ctx context.Context,
	wsURL string,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	errCounts *benchErrors,
	kinds *kindCounts,
	samples chan<- time.Duration,
) error {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		errCounts.dialFailures.Add(1)
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()
	conn := benchConn{conn: ws, codec: cfg.Codec}

	room := strconv.Itoa(clientID / cfg.RoomSize)
	serial := "c" + strconv.Itoa(clientID)
	if _, err := conn.write(protocol.TrackerCreate(benchGroup, map[string]any{"room": room}, serial)); err != nil {
		errCounts.createFailures.Add(1)
		return fmt.Errorf("create write: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(cfg.CallTimeout))
	msg, _, err := conn.read()
	if err != nil {
		errCounts.createFailures.Add(1)
		return fmt.Errorf("create read: %w", err)
	}
	kinds.add(msg.Kind)
	if msg.Kind != protocol.KindTrackerCreateNew {
		errCounts.createFailures.Add(1)
		return fmt.Errorf("create: expected %s, got %s", protocol.KindTrackerCreateNew, msg.Kind)
	}

	period := time.Duration(float64(time.Second) / cfg.RPS)
	var seq uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		seq++
		token := makeToken(clientID, seq, cfg.PayloadBytes)

		start := time.Now()

		n, err := conn.write(protocol.TrackerAPI(benchGroup, seq, "echo", []any{token}))
		if err != nil {
			errCounts.callWriteFailures.Add(1)
			return fmt.Errorf("call write: %w", err)
		}

		counters.callsSent.Add(1)
		counters.callBytes.Add(uint64(n))

		if cfg.CallTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(cfg.CallTimeout))
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		found, err := waitForToken(callCtx, conn, token, counters, errCounts, kinds)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || isTimeout(err) {
				errCounts.tokenMissing.Add(1)
				return fmt.Errorf("token not observed in updates")
			}
			return fmt.Errorf("wait for token: %w", err)
		}
		if !found {
			errCounts.tokenMissing.Add(1)
			return fmt.Errorf("token not observed in updates")
		}

		rtt := time.Since(start)
		counters.callsComplete.Add(1)
		samples <- rtt

		elapsed := time.Since(start)
		if sleep := period - elapsed; sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
	}
}

// waitForToken reads until an update sets "echo" to token. Updates caused
// by peers in the same room are counted and skipped.
func waitForToken(
	ctx context.Context,
	conn benchConn,
	token string,
	counters *benchCounters,
	errCounts *benchErrors,
	kinds *kindCounts,
) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		msg, n, err := conn.read()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformedMessage) {
				errCounts.frameDecodeFailures.Add(1)
			}
			return false, err
		}
		kinds.add(msg.Kind)

		switch msg.Kind {
		case protocol.KindTrackerCreateUpdate:
			counters.updateFrames.Add(1)
			counters.updateBytes.Add(uint64(n))
			actions, err := msg.List(2)
			if err != nil {
				errCounts.frameDecodeFailures.Add(1)
				return false, err
			}
			found := false
			for _, a := range actions {
				counters.actionsTotal.Add(1)
				if m, ok := a.(map[string]any); ok && m["echo"] == token {
					found = true
				}
			}
			if found {
				return true, nil
			}

		case protocol.KindTrackerAPIResponse:
			if result, _ := msg.Text(2); result != protocol.ResultOK {
				errCounts.apiErrors.Add(1)
				return false, fmt.Errorf("api error: %v", msg.Field(3))
			}

		default:
			// Ignore emits and other traffic.
		}
	}
}

func makeToken(clientID int, seq uint64, payloadBytes int) string {
	if payloadBytes <= 0 {
		return ""
	}
	seed := (uint64(clientID) << 32) ^ seq
	base := strings.ToLower(strconv.FormatUint(seed, 36))
	if len(base) >= payloadBytes {
		return base[len(base)-payloadBytes:]
	}
	pad := strings.Repeat("x", payloadBytes-len(base))
	return base + pad
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

type runtimeMetricsSnapshot struct {
	cpuTotalSeconds float64
	cpuGCSeconds    float64

	heapAllocsBytes   uint64
	heapAllocsObjects uint64
}

func readRuntimeMetrics() runtimeMetricsSnapshot {
	samples := []metrics.Sample{
		{Name: "/cpu/classes/total:cpu-seconds"},
		{Name: "/cpu/classes/gc/total:cpu-seconds"},
		{Name: "/gc/heap/allocs:bytes"},
		{Name: "/gc/heap/allocs:objects"},
	}
	metrics.Read(samples)

	var out runtimeMetricsSnapshot
	for _, s := range samples {
		switch s.Name {
		case "/cpu/classes/total:cpu-seconds":
			out.cpuTotalSeconds = s.Value.Float64()
		case "/cpu/classes/gc/total:cpu-seconds":
			out.cpuGCSeconds = s.Value.Float64()
		case "/gc/heap/allocs:bytes":
			out.heapAllocsBytes = s.Value.Uint64()
		case "/gc/heap/allocs:objects":
			out.heapAllocsObjects = s.Value.Uint64()
		}
	}
	return out
}

func cpuFraction(after, before runtimeMetricsSnapshot) float64 {
	total := after.cpuTotalSeconds - before.cpuTotalSeconds
	if total <= 0 {
		return 0
	}
	gc := after.cpuGCSeconds - before.cpuGCSeconds
	if gc < 0 {
		return 0
	}
	return gc / total
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func avgPause(after, before runtime.MemStats) time.Duration {
	gcCount := after.NumGC - before.NumGC
	if gcCount == 0 {
		return 0
	}
	return time.Duration((after.PauseTotalNs - before.PauseTotalNs) / uint64(gcCount))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func gitCommit() string {
	if val := strings.TrimSpace(os.Getenv("SHOCKED_GIT_COMMIT")); val != "" {
		return val
	}
	if val := strings.TrimSpace(os.Getenv("GIT_COMMIT")); val != "" {
		return val
	}
	cmd := exec.Command("git", "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
