package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/relay/pkg/client"
	"github.com/aeolun/relay/pkg/protocol"
	"github.com/google/uuid"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// markerPrefix tags generated chat lines so echoes can be matched to sends
const markerPrefix = "lt:"

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

func randomText() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks load test counters
type Stats struct {
	broadcastsSent   atomic.Int64
	directsSent      atomic.Int64
	sendFailures     atomic.Int64
	chatReceived     atomic.Int64
	directReceived   atomic.Int64
	echoes           atomic.Int64
	totalEchoTimeUs  atomic.Int64
	connectionErrors atomic.Int64
	registerFailures atomic.Int64
	disconnections   atomic.Int64
	activeClients    atomic.Int64
}

func (s *Stats) recordEcho(latency time.Duration) {
	s.echoes.Add(1)
	s.totalEchoTimeUs.Add(latency.Microseconds())
}

func (s *Stats) avgEchoMs() float64 {
	echoes := s.echoes.Load()
	if echoes == 0 {
		return 0
	}
	return float64(s.totalEchoTimeUs.Load()) / float64(echoes) / 1000.0
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	identity string
	peers    []string
	conn     *client.Client
	stats    *Stats

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]time.Time // broadcast seq -> send time, until echoed
}

func NewBotClient(id int, identity string, peers []string, stats *Stats) *BotClient {
	return &BotClient{
		id:       id,
		identity: identity,
		peers:    peers,
		stats:    stats,
		pending:  make(map[uint64]time.Time),
	}
}

// Connect dials the server and registers the bot's identity
func (bc *BotClient) Connect(ctx context.Context, serverAddr string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, serverAddr, client.Options{Logger: debugLogger, EventBuffer: 1000})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	bc.conn = conn

	if conn.Transport() == client.TransportSSH {
		// The server registers the SSH login name
		bc.identity = conn.Identity()
		if bc.identity == "" {
			bc.identity = strings.TrimSpace(os.Getenv("RELAY_SSH_USER"))
		}
		return nil
	}

	if err := conn.Register(bc.identity); err != nil {
		bc.stats.registerFailures.Add(1)
		return fmt.Errorf("register: %w", err)
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-conn.Events():
			if !ok {
				bc.stats.registerFailures.Add(1)
				return fmt.Errorf("connection closed before registration: %v", conn.Err())
			}
			if env.Event == protocol.EventRegistered {
				return nil
			}
		case <-timeout:
			bc.stats.registerFailures.Add(1)
			return fmt.Errorf("timed out waiting for registration")
		}
	}
}

// readEvents drains inbound events until the connection closes
func (bc *BotClient) readEvents() {
	for env := range bc.conn.Events() {
		switch env.Event {
		case protocol.EventChatMessage:
			bc.stats.chatReceived.Add(1)
			var msg protocol.ChatMessage
			if env.Decode(&msg) != nil || msg.Sender != bc.identity {
				continue
			}
			if seq, ok := parseMarker(msg.Text); ok {
				bc.mu.Lock()
				sent, found := bc.pending[seq]
				delete(bc.pending, seq)
				bc.mu.Unlock()
				if found {
					bc.stats.recordEcho(time.Since(sent))
				}
			}
		case protocol.EventPrivateMessage:
			bc.stats.directReceived.Add(1)
		}
	}
}

func parseMarker(text string) (uint64, bool) {
	if !strings.HasPrefix(text, markerPrefix) {
		return 0, false
	}
	field, _, _ := strings.Cut(text[len(markerPrefix):], " ")
	seq, err := strconv.ParseUint(field, 10, 64)
	return seq, err == nil
}

// Run sends a mix of broadcasts and direct messages until stop closes or
// the connection ends
func (bc *BotClient) Run(stop <-chan struct{}, minDelay, maxDelay time.Duration, directRatio float64) {
	bc.stats.activeClients.Add(1)
	defer bc.stats.activeClients.Add(-1)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		bc.readEvents()
	}()

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}

		select {
		case <-stop:
			bc.conn.Close()
			<-readerDone
			return
		case <-readerDone:
			bc.stats.disconnections.Add(1)
			if debugLogger != nil {
				debugLogger.Printf("[Bot %d] Disconnected: %v", bc.id, bc.conn.Err())
			}
			return
		case <-time.After(delay):
		}

		if len(bc.peers) > 1 && rand.Float64() < directRatio {
			to := bc.peers[rand.Intn(len(bc.peers))]
			if to == bc.identity {
				continue
			}
			if err := bc.conn.Direct(to, randomText()); err != nil {
				bc.stats.sendFailures.Add(1)
				continue
			}
			bc.stats.directsSent.Add(1)
			continue
		}

		bc.mu.Lock()
		bc.seq++
		seq := bc.seq
		bc.pending[seq] = time.Now()
		bc.mu.Unlock()

		if err := bc.conn.Chat("", fmt.Sprintf("%s%d %s", markerPrefix, seq, randomText())); err != nil {
			bc.stats.sendFailures.Add(1)
			bc.mu.Lock()
			delete(bc.pending, seq)
			bc.mu.Unlock()
			continue
		}
		bc.stats.broadcastsSent.Add(1)
	}
}

var debugLogger *log.Logger

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

func main() {
	serverAddr := flag.String("server", "ws://localhost:8080/ws", "Server address: host[:port], ssh://host[:port] or ws[s]://host[:port]/ws")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between sends")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between sends")
	directRatio := flag.Float64("direct-ratio", 0.2, "Fraction of sends that are direct messages")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")
	log.Printf("Detailed client logs in loadtest_debug.log")

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(max(*numClients, 1))
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	runID := uuid.NewString()[:8]
	identities := make([]string, *numClients)
	for i := range identities {
		identities[i] = fmt.Sprintf("load-%s-%d", runID, i)
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (run %s)", *numClients, runID)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v, direct ratio %.2f", *minDelay, *maxDelay, *directRatio)
	log.Printf("")

	stats := &Stats{}
	stop := make(chan struct{})
	var stopOnce sync.Once
	stopAll := func() { stopOnce.Do(func() { close(stop) }) }

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Printf("Shutdown signal received, stopping test...")
			stopAll()
		case <-stop:
		}
	}()

	startTime := time.Now()
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				elapsed := time.Since(startTime).Seconds()
				sent := stats.broadcastsSent.Load() + stats.directsSent.Load()
				log.Printf("Stats: %d active, %d sent (%.1f/s), %d received, %d failed, echo avg %.2fms, load %.2f, goroutines %d",
					stats.activeClients.Load(), sent, float64(sent)/elapsed,
					stats.chatReceived.Load()+stats.directReceived.Load(), stats.sendFailures.Load(),
					stats.avgEchoMs(), getCPULoad(), runtime.NumGoroutine())
			case <-stop:
				return
			}
		}
	}()

	var wg sync.WaitGroup
	ctx := context.Background()

spawn:
	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot := NewBotClient(id, identities[id], identities, stats)
			if err := bot.Connect(ctx, *serverAddr); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] Connect failed: %v", id, err)
				if bot.conn != nil {
					bot.conn.Close()
				}
				return
			}
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.identity)
			}
			bot.Run(stop, *minDelay, *maxDelay, *directRatio)
		}(i)

		select {
		case <-stop:
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	select {
	case <-stop:
	case <-time.After(*duration - time.Since(startTime) + rampUpDuration):
		stopAll()
	}
	wg.Wait()
	<-reporterDone

	elapsed := time.Since(startTime)
	broadcasts := stats.broadcastsSent.Load()
	directs := stats.directsSent.Load()
	received := stats.chatReceived.Load() + stats.directReceived.Load()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d connection errors (%d registration)", *numClients, stats.connectionErrors.Load(), stats.registerFailures.Load())
	log.Printf("Duration: %v", elapsed.Round(time.Second))
	log.Printf("Broadcasts sent: %d (%.1f/s)", broadcasts, float64(broadcasts)/elapsed.Seconds())
	log.Printf("Direct messages sent: %d (%.1f/s)", directs, float64(directs)/elapsed.Seconds())
	log.Printf("Events received: %d (%.1f/s)", received, float64(received)/elapsed.Seconds())
	log.Printf("  - Chat messages: %d", stats.chatReceived.Load())
	log.Printf("  - Direct messages: %d", stats.directReceived.Load())
	log.Printf("Send failures: %d", stats.sendFailures.Load())
	log.Printf("Disconnections: %d", stats.disconnections.Load())
	log.Printf("Broadcast echo: %d matched, avg %.2fms", stats.echoes.Load(), stats.avgEchoMs())
}
