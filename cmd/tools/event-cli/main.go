package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/annel0/worldhost/internal/eventbus"
	nats "github.com/nats-io/nats.go"
)

const (
	defaultServerURL = nats.DefaultURL
	timeFormat       = "2006-01-02T15:04:05Z"
)

func main() {
	var (
		serverURL  = flag.String("server", defaultServerURL, "NATS server URL")
		stream     = flag.String("stream", "WORLDS", "JetStream stream name")
		command    = flag.String("cmd", "tail", "Command: tail, stats, types")
		eventTypes = flag.String("types", "", "Event types filter (comma-separated)")
		worldID    = flag.String("world", "", "World ID filter")
		owner      = flag.String("owner", "", "Owner ID filter")
		since      = flag.String("since", "1h", "Time duration since now (e.g., 1h, 30m) or RFC3339 time")
		limit      = flag.Int("limit", 100, "Maximum number of events")
		follow     = flag.Bool("follow", false, "Follow new events (like tail -f)")
	)
	flag.Parse()

	if *command == "types" {
		showTypes()
		return
	}

	start, err := parseSinceTime(*since, time.Now())
	if err != nil {
		log.Fatalf("❌ Invalid since time: %v", err)
	}
	filter := eventFilter{
		Types:   parseStringList(*eventTypes),
		WorldID: *worldID,
		Owner:   *owner,
	}

	nc, err := nats.Connect(*serverURL, nats.Name("worldhost-event-cli"))
	if err != nil {
		log.Fatalf("❌ Failed to connect to NATS: %v", err)
	}
	defer nc.Close()
	js, err := nc.JetStream()
	if err != nil {
		log.Fatalf("❌ JetStream unavailable: %v", err)
	}

	switch *command {
	case "tail":
		fmt.Printf("🎬 Tailing events since %s (limit: %d, follow: %v)\n", start.UTC().Format(timeFormat), *limit, *follow)
		n := 0
		err = replay(js, *stream, filter, start, *follow, func(env *eventbus.Envelope) bool {
			fmt.Print(formatEvent(env))
			n++
			return *follow || n < *limit
		})
		fmt.Printf("\n📊 Total events: %d\n", n)
	case "stats":
		st := newStats()
		err = replay(js, *stream, filter, start, false, func(env *eventbus.Envelope) bool {
			st.add(env)
			return true
		})
		st.print(os.Stdout)
	default:
		fmt.Printf("❌ Unknown command: %s\n", *command)
		fmt.Println("Available commands: tail, stats, types")
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("❌ %s failed: %v", *command, err)
	}
}

// replay читает стрим начиная с start упорядоченным consumer'ом. Без follow
// чтение заканчивается на последнем сообщении стрима.
func replay(js nats.JetStreamContext, stream string, f eventFilter, start time.Time, follow bool, fn func(*eventbus.Envelope) bool) error {
	subject := eventbus.SubjectPrefix + ".>"
	if len(f.Types) == 1 {
		subject = eventbus.Subject(f.Types[0])
	}
	sub, err := js.SubscribeSync(subject, nats.BindStream(stream), nats.OrderedConsumer(), nats.StartTime(start))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	for {
		msg, err := sub.NextMsg(2 * time.Second)
		if errors.Is(err, nats.ErrTimeout) {
			if follow {
				continue
			}
			return nil
		}
		if err != nil {
			return err
		}

		var env eventbus.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Printf("⚠️ skipping malformed message on %s: %v", msg.Subject, err)
			continue
		}
		if f.match(&env) && !fn(&env) {
			return nil
		}
		if !follow {
			if meta, err := msg.Metadata(); err == nil && meta.NumPending == 0 {
				return nil
			}
		}
	}
}

// eventFilter отбирает события по типу, миру и владельцу.
type eventFilter struct {
	Types   []string
	WorldID string
	Owner   string
}

func (f eventFilter) match(env *eventbus.Envelope) bool {
	if len(f.Types) > 0 && !contains(f.Types, env.EventType) {
		return false
	}
	if f.WorldID != "" && env.Metadata["world_id"] != f.WorldID {
		return false
	}
	if f.Owner != "" && env.Tenant != f.Owner {
		return false
	}
	return true
}

// formatEvent выводит событие в читаемом формате
func formatEvent(env *eventbus.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s [%s] %s\n",
		env.Timestamp.UTC().Format("15:04:05"),
		env.Source,
		env.EventType,
		env.ID)

	we, err := eventbus.DecodeWorldEvent(env)
	if err != nil || we.WorldID == "" {
		return b.String()
	}
	fmt.Fprintf(&b, "  World: %s Owner: %s State: %s", we.WorldID, we.OwnerID, we.State)
	if we.Port != 0 {
		fmt.Fprintf(&b, " Port: %d", we.Port)
	}
	if we.ExitCode != 0 {
		fmt.Fprintf(&b, " Exit: %d", we.ExitCode)
	}
	if we.Reason != "" {
		fmt.Fprintf(&b, " Reason: %s", we.Reason)
	}
	b.WriteString("\n")
	return b.String()
}

type stats struct {
	total   int
	byType  map[string]int
	byWorld map[string]int
	first   time.Time
	last    time.Time
}

func newStats() *stats {
	return &stats{byType: make(map[string]int), byWorld: make(map[string]int)}
}

func (s *stats) add(env *eventbus.Envelope) {
	s.total++
	s.byType[env.EventType]++
	if id := env.Metadata["world_id"]; id != "" {
		s.byWorld[id]++
	}
	if s.first.IsZero() || env.Timestamp.Before(s.first) {
		s.first = env.Timestamp
	}
	if env.Timestamp.After(s.last) {
		s.last = env.Timestamp
	}
}

func (s *stats) print(w io.Writer) {
	fmt.Fprintln(w, "📊 Event statistics")
	fmt.Fprintf(w, "Total: %d\n", s.total)
	if s.total == 0 {
		return
	}
	fmt.Fprintf(w, "Window: %s .. %s\n", s.first.UTC().Format(timeFormat), s.last.UTC().Format(timeFormat))
	fmt.Fprintln(w, "By type:")
	for _, kv := range sortedCounts(s.byType) {
		fmt.Fprintf(w, "  %-22s %d\n", kv.key, kv.n)
	}
	fmt.Fprintln(w, "By world:")
	for _, kv := range sortedCounts(s.byWorld) {
		fmt.Fprintf(w, "  %-38s %d\n", kv.key, kv.n)
	}
}

type count struct {
	key string
	n   int
}

// sortedCounts сортирует по убыванию количества, затем по ключу.
func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}

func showTypes() {
	fmt.Println("📋 Available event types")
	for _, t := range eventbus.WorldEventTypes {
		fmt.Printf("  %-22s subject %s\n", t, eventbus.Subject(t))
	}
}

// parseStringList парсит строку с разделителями-запятыми
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseSinceTime парсит относительное время типа "1h", "30m"
func parseSinceTime(since string, from time.Time) (time.Time, error) {
	if since == "" {
		return from, nil
	}
	duration, err := time.ParseDuration(since)
	if err != nil {
		return time.Parse(time.RFC3339, since)
	}
	return from.Add(-duration), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
