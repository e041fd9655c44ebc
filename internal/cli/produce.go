package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/lsm/basket/internal/broker"
	"github.com/lsm/basket/internal/config"
	"github.com/lsm/basket/internal/kafka"
)

// sender is the part of broker.Client used by produce, replaceable in tests.
type sender interface {
	Send(ctx context.Context, topic, key string, payload []byte) error
	Close(ctx context.Context) error
}

// newSenderFunc creates the broker session used by produce.
var newSenderFunc = func(cfg *kafka.ClusterConfig) (sender, error) {
	return broker.New(cfg)
}

// closeTimeout bounds the final flush of buffered records.
const closeTimeout = 5 * time.Second

// RunProduce sends test events through the same producer the gateway uses.
func RunProduce(args []string) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Println(`Usage: basketctl produce --topic <name> [--key <key>] [--file <path>] [--json <data>] [--count <n>] [--rate <duration>] [--brokers <addrs>]

Sends test events to a topic with the gateway's producer settings.
Broker credentials and TLS come from BROKER_USER, BROKER_PASSWORD and BROKER_TLS.

Flags:
  --topic     Topic name (required)
  --key       Partition key (default: none)
  --file      Path to a JSONL file, one event per line
  --json      Inline JSON data for a single event
  --count     Number of events to produce (default: 1; with --file, every line)
  --rate      Delay between events (e.g., 100ms, 1s). Default: none
  --brokers   Broker addresses (default: $BROKER_ENDPOINT)

Examples:
  basketctl produce --topic analytics-events --json '{"event":"page_view"}'
  basketctl produce --topic analytics-events --key user-1 --count 10 --file events.jsonl`)
		return nil
	}

	topic, err := parseStringFlag(args, "--topic")
	if err != nil {
		return err
	}
	if topic == "" {
		return fmt.Errorf("--topic flag is required")
	}

	key, err := parseStringFlag(args, "--key")
	if err != nil {
		return err
	}
	filePath, _ := parseStringFlag(args, "--file")
	inlineJSON, _ := parseStringFlag(args, "--json")
	count, err := parseIntFlag(args, "--count", 1)
	if err != nil {
		return err
	}
	rateStr, _ := parseStringFlag(args, "--rate")
	brokersStr, _ := parseStringFlag(args, "--brokers")

	if filePath == "" && inlineJSON == "" {
		return fmt.Errorf("either --file or --json must be specified")
	}
	if filePath != "" && inlineJSON != "" {
		return fmt.Errorf("cannot specify both --file and --json")
	}

	var rate time.Duration
	if rateStr != "" {
		rate, err = time.ParseDuration(rateStr)
		if err != nil {
			return fmt.Errorf("invalid rate duration: %w", err)
		}
	}

	cfg, err := clusterConfig(brokersStr)
	if err != nil {
		return err
	}
	s, err := newSenderFunc(cfg)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		_ = s.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	p := &producer{sender: s, topic: topic, key: key, rate: rate}
	if inlineJSON != "" {
		return p.inline(ctx, inlineJSON, count)
	}
	return p.fromFile(ctx, filePath, count)
}

// clusterConfig loads broker settings from the environment, with brokers
// (comma-separated) taking the place of BROKER_ENDPOINT when set.
func clusterConfig(brokers string) (*kafka.ClusterConfig, error) {
	getenv := os.Getenv
	if brokers != "" {
		getenv = func(key string) string {
			if key == config.EnvBrokerEndpoint {
				return brokers
			}
			return os.Getenv(key)
		}
	}
	cfg, err := config.LoadFrom(getenv)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	return &cfg.Cluster, nil
}

type producer struct {
	sender sender
	topic  string
	key    string
	rate   time.Duration
}

func (p *producer) send(ctx context.Context, data []byte) error {
	return p.sender.Send(ctx, p.topic, p.key, data)
}

func (p *producer) wait(ctx context.Context) error {
	if p.rate <= 0 {
		return nil
	}
	t := time.NewTimer(p.rate)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *producer) inline(ctx context.Context, jsonStr string, count int) error {
	data, err := compactJSON(jsonStr)
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}

	for i := 0; i < count; i++ {
		if err := p.send(ctx, data); err != nil {
			return fmt.Errorf("send event %d: %w", i+1, err)
		}
		fmt.Printf("%s Sent event %d to topic %s\n", mark(true), i+1, p.topic)

		if i < count-1 {
			if err := p.wait(ctx); err != nil {
				return err
			}
		}
	}

	fmt.Printf("Successfully sent %d event(s) to %s\n", count, p.topic)
	return nil
}

// fromFile sends one event per non-empty line. count caps the number sent
// when the file has more lines.
func (p *producer) fromFile(ctx context.Context, filePath string, count int) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	sent := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		data, err := compactJSON(line)
		if err != nil {
			return fmt.Errorf("invalid json on line %d: %w", lineNum, err)
		}
		if sent > 0 {
			if err := p.wait(ctx); err != nil {
				return err
			}
		}
		if err := p.send(ctx, data); err != nil {
			return fmt.Errorf("send event from line %d: %w", lineNum, err)
		}

		sent++
		fmt.Printf("%s Sent event %d (line %d) to topic %s\n", mark(true), sent, lineNum, p.topic)

		if count > 1 && sent >= count {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if sent == 0 {
		return fmt.Errorf("no valid json events found in file")
	}

	fmt.Printf("Successfully sent %d event(s) to %s\n", sent, p.topic)
	return nil
}

func compactJSON(s string) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseStringFlag(args []string, flag string) (string, error) {
	for i, arg := range args {
		if arg == flag {
			if i+1 < len(args) {
				return args[i+1], nil
			}
			return "", fmt.Errorf("flag %s requires a value", flag)
		}
	}
	return "", nil
}

func parseIntFlag(args []string, flag string, defaultVal int) (int, error) {
	str, err := parseStringFlag(args, flag)
	if err != nil {
		return 0, err
	}
	if str == "" {
		return defaultVal, nil
	}
	var val int
	if _, err := fmt.Sscanf(str, "%d", &val); err != nil {
		return 0, fmt.Errorf("invalid value for %s: must be an integer", flag)
	}
	if val < 1 {
		return 0, fmt.Errorf("invalid value for %s: must be >= 1", flag)
	}
	return val, nil
}
