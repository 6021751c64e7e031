package main

import (
	"fmt"
	"io"
	"math"
	"runtime"
	"time"
)

type benchReport struct {
	Version    string         `json:"version"`
	Run        runInfo        `json:"run"`
	Workload   workloadInfo   `json:"workload"`
	LatencyMS  latencyInfo    `json:"latency_ms"`
	Throughput throughputInfo `json:"throughput"`
	GC         gcInfo         `json:"gc"`
	Protocol   protocolInfo   `json:"protocol"`
	Errors     errorInfo      `json:"errors"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
	GitCommit string `json:"git_commit,omitempty"`
}

type workloadInfo struct {
	Profile       string  `json:"profile"`
	Clients       int     `json:"clients"`
	DurationMS    int64   `json:"duration_ms"`
	RPSPerClient  float64 `json:"rps_per_client"`
	RoomSize      int     `json:"room_size"`
	PayloadBytes  int     `json:"payload_bytes"`
	Codec         string  `json:"codec"`
	MaxProcs      int     `json:"max_procs"`
	MemLimitBytes int64   `json:"mem_limit_bytes"`
	CallTimeoutMS int64   `json:"call_timeout_ms"`
}

type latencyInfo struct {
	Min float64 `json:"min"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Max float64 `json:"max"`
}

type throughputInfo struct {
	CallsTotal        uint64  `json:"calls_total"`
	CallsPerSec       float64 `json:"calls_per_sec"`
	CallsPerSecClient float64 `json:"calls_per_sec_per_client"`
}

type gcInfo struct {
	AllocMB       float64 `json:"alloc_mb"`
	HeapLiveMB    float64 `json:"heap_live_mb"`
	NumGC         uint32  `json:"num_gc"`
	PauseTotalMS  float64 `json:"pause_total_ms"`
	PauseAvgMS    float64 `json:"pause_avg_ms"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	AllocsObjects uint64  `json:"allocs_objects"`
}

type protocolInfo struct {
	CallBytesTotal   uint64            `json:"call_bytes_total"`
	UpdateBytesTotal uint64            `json:"update_bytes_total"`
	UpdateFrames     uint64            `json:"update_frames_total"`
	ActionsTotal     uint64            `json:"actions_total"`
	AvgCallBytes     float64           `json:"avg_call_bytes"`
	AvgUpdateBytes   float64           `json:"avg_update_bytes"`
	UpdatesPerCall   float64           `json:"updates_per_call"`
	Kinds            map[string]uint64 `json:"kinds"`
}

type errorInfo struct {
	TotalErrors         uint64 `json:"total_errors"`
	DialFailures        uint64 `json:"dial_failures"`
	CreateFailures      uint64 `json:"create_failures"`
	CallWriteFailures   uint64 `json:"call_write_failures"`
	FrameDecodeFailures uint64 `json:"frame_decode_failures"`
	APIErrors           uint64 `json:"api_errors"`
	TokenMissing        uint64 `json:"token_missing"`
}

func buildReport(
	cfg benchConfig,
	elapsed time.Duration,
	latencies []time.Duration,
	counters *benchCounters,
	errCounts *benchErrors,
	kinds *kindCounts,
	before runtime.MemStats,
	after runtime.MemStats,
	beforeMetrics runtimeMetricsSnapshot,
	afterMetrics runtimeMetricsSnapshot,
) benchReport {
	callsTotal := counters.callsComplete.Load()
	callsSent := counters.callsSent.Load()
	updateFrames := counters.updateFrames.Load()
	callBytes := counters.callBytes.Load()
	updateBytes := counters.updateBytes.Load()

	elapsedSeconds := math.Max(0.001, elapsed.Seconds())
	callsPerSec := float64(callsTotal) / elapsedSeconds
	callsPerSecClient := callsPerSec / float64(cfg.Clients)

	latency := latencyInfo{}
	if len(latencies) > 0 {
		latency = latencyInfo{
			Min: ms(latencies[0]),
			P50: ms(percentile(latencies, 0.50)),
			P95: ms(percentile(latencies, 0.95)),
			P99: ms(percentile(latencies, 0.99)),
			Max: ms(latencies[len(latencies)-1]),
		}
	}

	avgCallBytes := 0.0
	if callsSent > 0 {
		avgCallBytes = float64(callBytes) / float64(callsSent)
	}
	avgUpdateBytes := 0.0
	updatesPerCall := 0.0
	if updateFrames > 0 {
		avgUpdateBytes = float64(updateBytes) / float64(updateFrames)
	}
	if callsTotal > 0 {
		updatesPerCall = float64(updateFrames) / float64(callsTotal)
	}

	pauseTotal := time.Duration(after.PauseTotalNs - before.PauseTotalNs)

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
			GitCommit: gitCommit(),
		},
		Workload: workloadInfo{
			Profile:       cfg.Profile,
			Clients:       cfg.Clients,
			DurationMS:    cfg.Duration.Milliseconds(),
			RPSPerClient:  cfg.RPS,
			RoomSize:      cfg.RoomSize,
			PayloadBytes:  cfg.PayloadBytes,
			Codec:         cfg.Codec.Name(),
			MaxProcs:      cfg.MaxProcs,
			MemLimitBytes: cfg.MemLimitBytes,
			CallTimeoutMS: cfg.CallTimeout.Milliseconds(),
		},
		LatencyMS: latency,
		Throughput: throughputInfo{
			CallsTotal:        callsTotal,
			CallsPerSec:       callsPerSec,
			CallsPerSecClient: callsPerSecClient,
		},
		GC: gcInfo{
			AllocMB:       float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024),
			HeapLiveMB:    float64(after.HeapAlloc) / (1024 * 1024),
			NumGC:         after.NumGC - before.NumGC,
			PauseTotalMS:  ms(pauseTotal),
			PauseAvgMS:    ms(avgPause(after, before)),
			GCCPUFraction: cpuFraction(afterMetrics, beforeMetrics),
			AllocsObjects: afterMetrics.heapAllocsObjects - beforeMetrics.heapAllocsObjects,
		},
		Protocol: protocolInfo{
			CallBytesTotal:   callBytes,
			UpdateBytesTotal: updateBytes,
			UpdateFrames:     updateFrames,
			ActionsTotal:     counters.actionsTotal.Load(),
			AvgCallBytes:     avgCallBytes,
			AvgUpdateBytes:   avgUpdateBytes,
			UpdatesPerCall:   updatesPerCall,
			Kinds:            kinds.snapshot(),
		},
		Errors: errorInfo{
			TotalErrors:         errCounts.totalErrors.Load(),
			DialFailures:        errCounts.dialFailures.Load(),
			CreateFailures:      errCounts.createFailures.Load(),
			CallWriteFailures:   errCounts.callWriteFailures.Load(),
			FrameDecodeFailures: errCounts.frameDecodeFailures.Load(),
			APIErrors:           errCounts.apiErrors.Load(),
			TokenMissing:        errCounts.tokenMissing.Load(),
		},
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== Shocked Load Benchmark ===")
	fmt.Fprintf(w, "Profile: %s\n", report.Workload.Profile)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f calls/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Room size: %d\n", report.Workload.RoomSize)
	fmt.Fprintf(w, "Payload bytes: %d\n", report.Workload.PayloadBytes)
	fmt.Fprintf(w, "Codec: %s\n", report.Workload.Codec)
	if report.Workload.MaxProcs > 0 {
		fmt.Fprintf(w, "GOMAXPROCS cap: %d\n", report.Workload.MaxProcs)
	}
	if report.Workload.MemLimitBytes > 0 {
		fmt.Fprintf(w, "GOMEMLIMIT cap: %.2f GiB\n", float64(report.Workload.MemLimitBytes)/float64(gib))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Total calls: %d\n", report.Throughput.CallsTotal)
	fmt.Fprintf(w, "Throughput: %.1f calls/s (%.2f per client)\n", report.Throughput.CallsPerSec, report.Throughput.CallsPerSecClient)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.TotalErrors)
	fmt.Fprintln(w)

	if report.LatencyMS.Max == 0 {
		fmt.Fprintln(w, "No latency samples recorded.")
	} else {
		fmt.Fprintln(w, "RTT (api call -> state update observed):")
		fmt.Fprintf(w, "  min: %.2f ms\n", report.LatencyMS.Min)
		fmt.Fprintf(w, "  p50: %.2f ms\n", report.LatencyMS.P50)
		fmt.Fprintf(w, "  p95: %.2f ms\n", report.LatencyMS.P95)
		fmt.Fprintf(w, "  p99: %.2f ms\n", report.LatencyMS.P99)
		fmt.Fprintf(w, "  max: %.2f ms\n", report.LatencyMS.Max)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Protocol:")
	fmt.Fprintf(w, "  call bytes:     %.1f (avg)\n", report.Protocol.AvgCallBytes)
	fmt.Fprintf(w, "  update bytes:   %.1f (avg)\n", report.Protocol.AvgUpdateBytes)
	fmt.Fprintf(w, "  updates/call:   %.2f\n", report.Protocol.UpdatesPerCall)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Go runtime / GC (process-wide):")
	fmt.Fprintf(w, "  alloc:     %.2f MB\n", report.GC.AllocMB)
	fmt.Fprintf(w, "  heap_live: %.2f MB\n", report.GC.HeapLiveMB)
	fmt.Fprintf(w, "  num_gc:    %d\n", report.GC.NumGC)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (total)\n", report.GC.PauseTotalMS)
	fmt.Fprintf(w, "  gc_pause:  %.2f ms (avg)\n", report.GC.PauseAvgMS)
	fmt.Fprintf(w, "  gc_cpu:    %.2f%%\n", report.GC.GCCPUFraction*100)
}
