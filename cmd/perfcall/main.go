package main

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mull2536/call-agent/internal/audio"
	"github.com/mull2536/call-agent/internal/observability"
	"github.com/mull2536/call-agent/internal/protocol"
)

type options struct {
	baseURL      string
	calls        int
	wavPath      string
	chunkMS      int
	realtime     float64
	timeout      time.Duration
	listen       time.Duration
	outPath      string
	prompt       string
	firstMessage string
	verbose      bool
}

// callResult is what one synthetic call leg observed.
type callResult struct {
	CallSID    string
	FirstAudio time.Duration
	Frames     int
	Clears     int
	AgentAudio []byte
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var timeoutMS, listenMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "call agent base URL")
	fs.IntVar(&cfg.calls, "calls", 5, "number of synthetic calls to place")
	fs.StringVar(&cfg.wavPath, "wav", "", "optional PCM16 WAV file streamed as caller audio (default: 440Hz tone)")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 20, "caller audio frame size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "frame pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.IntVar(&timeoutMS, "timeout-ms", 15000, "timeout waiting for the first agent audio per call in milliseconds")
	fs.IntVar(&listenMS, "listen-ms", 1500, "how long to keep listening after the first agent audio in milliseconds")
	fs.StringVar(&cfg.outPath, "out", "", "optional WAV path for the first call's agent audio")
	fs.StringVar(&cfg.prompt, "prompt", "", "optional agent prompt sent as configure_agent")
	fs.StringVar(&cfg.firstMessage, "first-message", "", "optional first message sent as configure_agent")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print per-call progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.calls <= 0 {
		return options{}, fmt.Errorf("calls must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 || cfg.chunkMS%10 != 0 {
		return options{}, fmt.Errorf("chunk-ms must be a multiple of 10 in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if timeoutMS < 1000 {
		timeoutMS = 1000
	}
	if listenMS < 0 {
		listenMS = 0
	}
	cfg.timeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.listen = time.Duration(listenMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options, out io.Writer) error {
	frames, err := callerFrames(cfg)
	if err != nil {
		return fmt.Errorf("prepare caller audio: %w", err)
	}
	wsURL, err := mediaStreamURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}

	runID := time.Now().UTC().Format("150405")
	results := make([]callResult, 0, cfg.calls)
	for i := 0; i < cfg.calls; i++ {
		callSID := fmt.Sprintf("CAperf%s%03d", runID, i+1)
		if cfg.verbose {
			fmt.Fprintf(out, "perfcall: call %d/%d call_sid=%s frames=%d\n", i+1, cfg.calls, callSID, len(frames))
		}
		res, err := placeCall(wsURL, callSID, frames, cfg)
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		if cfg.verbose {
			fmt.Fprintf(out, "perfcall: call %d first_audio_ms=%d agent_frames=%d clears=%d\n",
				i+1, res.FirstAudio.Milliseconds(), res.Frames, res.Clears)
		}
		results = append(results, res)
	}

	fmt.Fprintln(out, summarize(results))

	if cfg.outPath != "" && len(results) > 0 {
		pcm := audio.DecodeULaw(results[0].AgentAudio)
		if err := os.WriteFile(cfg.outPath, audio.EncodeWAV(pcm, audio.TelephonySampleRate), 0o644); err != nil {
			return fmt.Errorf("write agent audio: %w", err)
		}
	}

	snap, err := fetchLatency(cfg.baseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfcall: latency snapshot unavailable: %v\n", err)
		return nil
	}
	for _, st := range snap.Stages {
		fmt.Fprintf(out, "perfcall: server %-20s samples=%d p50=%.0fms p95=%.0fms\n", st.Stage, st.Samples, st.P50MS, st.P95MS)
	}
	return nil
}

// callerFrames builds the base64 mu-law payloads streamed as the caller.
func callerFrames(cfg options) ([]string, error) {
	var pcm []byte
	if cfg.wavPath != "" {
		data, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return nil, err
		}
		decoded, sampleRate, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, err
		}
		pcm = audio.Resample(decoded, sampleRate, audio.TelephonySampleRate)
	} else {
		pcm = tone(440, time.Second)
	}
	return chunkPayloads(audio.EncodeULaw(pcm), cfg.chunkMS), nil
}

// tone generates a mono 8kHz PCM16LE sine wave.
func tone(freq float64, d time.Duration) []byte {
	n := int(d.Seconds() * audio.TelephonySampleRate)
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := 8000 * math.Sin(2*math.Pi*freq*float64(i)/audio.TelephonySampleRate)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

func chunkPayloads(ulaw []byte, chunkMS int) []string {
	perChunk := chunkMS / 20
	if perChunk < 1 {
		perChunk = 1
	}
	frames := audio.Frames(ulaw)
	out := make([]string, 0, len(frames)/perChunk+1)
	for i := 0; i < len(frames); i += perChunk {
		var chunk []byte
		for _, f := range frames[i:min(i+perChunk, len(frames))] {
			chunk = append(chunk, f...)
		}
		out = append(out, base64.StdEncoding.EncodeToString(chunk))
	}
	return out
}

func mediaStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/media-stream"
	u.RawQuery = ""
	return u.String(), nil
}

// placeCall plays one telephony media stream against the bridge and
// records how long the agent takes to speak.
func placeCall(wsURL, callSID string, frames []string, cfg options) (callResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout+cfg.listen+10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return callResult{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	streamSID := "MZ" + strings.TrimPrefix(callSID, "CA")
	if cfg.prompt != "" || cfg.firstMessage != "" {
		if err := conn.WriteJSON(protocol.ConfigureAgent{
			Type:         protocol.TypeConfigureAgent,
			Prompt:       cfg.prompt,
			FirstMessage: cfg.firstMessage,
		}); err != nil {
			return callResult{}, fmt.Errorf("send configure_agent: %w", err)
		}
	}
	if err := conn.WriteJSON(protocol.Connected{Event: protocol.EventConnected, Protocol: "Call", Version: "1.0.0"}); err != nil {
		return callResult{}, fmt.Errorf("send connected: %w", err)
	}
	started := time.Now()
	if err := conn.WriteJSON(protocol.Start{
		Event:     protocol.EventStart,
		StreamSID: streamSID,
		Start: protocol.StartMetadata{
			StreamSID:        streamSID,
			CallSID:          callSID,
			Tracks:           []string{"inbound"},
			CustomParameters: map[string]string{"phone": "+15550100000", "direction": "inbound"},
		},
	}); err != nil {
		return callResult{}, fmt.Errorf("send start: %w", err)
	}

	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	res := callResult{CallSID: callSID}
	firstAudio := make(chan struct{})
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(conn, started, &res, firstAudio)
	}()

	pace := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	go func() {
		for _, payload := range frames {
			select {
			case <-ctx.Done():
				return
			case <-readDone:
				return
			default:
			}
			_ = send(protocol.Media{
				Event:     protocol.EventMedia,
				StreamSID: streamSID,
				Media:     protocol.MediaPayload{Track: "inbound", Payload: payload},
			})
			time.Sleep(pace)
		}
	}()

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()
	select {
	case <-firstAudio:
	case <-readDone:
		return callResult{}, fmt.Errorf("media stream closed before agent audio")
	case <-timer.C:
		return callResult{}, fmt.Errorf("no agent audio within %s", cfg.timeout)
	}
	if cfg.listen > 0 {
		time.Sleep(cfg.listen)
	}

	stop := protocol.Stop{Event: protocol.EventStop, StreamSID: streamSID}
	stop.Stop.CallSID = callSID
	_ = send(stop)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	<-readDone
	return res, nil
}

// readLoop collects agent audio until the socket closes. res is only read by
// the caller after readLoop returns, apart from FirstAudio which is set before
// firstAudio is closed.
func readLoop(conn *websocket.Conn, started time.Time, res *callResult, firstAudio chan<- struct{}) {
	var env struct {
		Event string `json:"event"`
		Media struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	signalled := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env.Event, env.Media.Payload = "", ""
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.TelephonyEvent(env.Event) {
		case protocol.EventMedia:
			chunk, err := base64.StdEncoding.DecodeString(env.Media.Payload)
			if err != nil {
				continue
			}
			res.Frames++
			res.AgentAudio = append(res.AgentAudio, chunk...)
			if !signalled {
				res.FirstAudio = time.Since(started)
				signalled = true
				close(firstAudio)
			}
		case protocol.EventClear:
			res.Clears++
		}
	}
}

func summarize(results []callResult) string {
	if len(results) == 0 {
		return "perfcall: no calls completed"
	}
	ms := make([]float64, 0, len(results))
	var sum float64
	for _, r := range results {
		v := float64(r.FirstAudio.Milliseconds())
		ms = append(ms, v)
		sum += v
	}
	sort.Float64s(ms)
	return fmt.Sprintf("perfcall: calls=%d first_audio_ms min=%.0f avg=%.0f p50=%.0f max=%.0f",
		len(ms), ms[0], sum/float64(len(ms)), ms[len(ms)/2], ms[len(ms)-1])
}

func fetchLatency(baseURL string) (observability.StageSnapshot, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Get(baseURL + "/v1/perf/latency")
	if err != nil {
		return observability.StageSnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		return observability.StageSnapshot{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return observability.StageSnapshot{}, err
	}
	return snap, nil
}
