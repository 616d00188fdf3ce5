package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/chzyer/readline"

	"github.com/ryansname/battctl/src/battery"
)

// Estimate fields that can be watched as <device_id>:<field>
var estimateFields = []string{"soc", "initial", "coulombs", "ah", "voltage", "current"}

// Telemetry statistics that can be watched with -s
var telemetryStats = []string{"cur", "min", "max"}

// WatchSpec is a watched value: a telemetry topic or a battery estimate field
type WatchSpec struct {
	Topic    string // telemetry topic, empty for estimates
	DeviceID string // battery device ID, empty for telemetry
	Field    string // estimate field, or telemetry statistic
}

// String returns a unique key for this watch spec
func (w WatchSpec) String() string {
	if w.DeviceID != "" {
		return w.DeviceID + ":" + w.Field
	}
	if w.Field == "cur" {
		return w.Topic
	}
	return fmt.Sprintf("%s -s %s", w.Topic, w.Field)
}

// ShortName returns a short column header for this watch
func (w WatchSpec) ShortName() string {
	if w.DeviceID != "" {
		return w.String()
	}

	// e.g., "homeassistant/sensor/robot_bus_voltage/state" -> "robot_bus_voltage"
	parts := strings.Split(w.Topic, "/")
	name := w.Topic
	if len(parts) >= 3 {
		name = parts[len(parts)-2]
	}
	if w.Field == "cur" {
		return name
	}
	return name + " " + w.Field
}

// GetValue extracts the watched value from the latest telemetry and estimates
func (w WatchSpec) GetValue(data *DisplayData, estimates map[string]BatteryEstimate) string {
	if w.DeviceID != "" {
		est, ok := estimates[w.DeviceID]
		if !ok {
			return "-"
		}
		return formatDebugValue(estimateField(est, w.Field))
	}

	if data == nil {
		return "-"
	}
	if s := data.GetString(w.Topic); s != "" {
		return s
	}
	if b, ok := data.TopicData[w.Topic].(*BooleanTopicData); ok {
		if b.Current {
			return "on"
		}
		return "off"
	}
	if !data.HasFloat(w.Topic) {
		return "-"
	}

	f := data.GetFloat(w.Topic)
	switch w.Field {
	case "min":
		return formatDebugValue(f.HourMin)
	case "max":
		return formatDebugValue(f.HourMax)
	default:
		return formatDebugValue(f.Current)
	}
}

func estimateField(est BatteryEstimate, field string) float64 {
	switch field {
	case "soc":
		return est.StateOfCharge * 100
	case "initial":
		return est.InitialSoC * 100
	case "coulombs":
		return est.Coulombs
	case "ah":
		return est.AmpHours
	case "voltage":
		return est.Voltage
	case "current":
		return est.Current
	}
	return math.NaN()
}

// formatDebugValue formats a float with smart precision
func formatDebugValue(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	case v >= 100 || v <= -100:
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

var (
	changedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	headerStyle  = lipgloss.NewStyle().Bold(true)
)

// readlineWriter wraps log output to work with readline
type readlineWriter struct {
	rl *readline.Instance
}

func (w *readlineWriter) Write(p []byte) (n int, err error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err = os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

// Global readline writer for log output
var rlWriter = &readlineWriter{}

// DebugState manages the list of watched values
type DebugState struct {
	watches       []WatchSpec
	headerPrinted bool
	columnWidths  []int
	latestData    *DisplayData
	estimates     map[string]BatteryEstimate
	rl            *readline.Instance
	prevValues    map[string]string // Track previous value per watch for change highlighting
	out           func(line string)
}

// NewDebugState creates a new debug state
func NewDebugState() *DebugState {
	return &DebugState{
		watches:    make([]WatchSpec, 0),
		estimates:  make(map[string]BatteryEstimate),
		prevValues: make(map[string]string),
		out:        func(line string) { fmt.Println(line) },
	}
}

// AddWatch adds a watch and re-sorts the list
func (s *DebugState) AddWatch(spec WatchSpec) {
	for _, w := range s.watches {
		if w.String() == spec.String() {
			log.Printf("Already watching: %s", spec.String())
			return
		}
	}

	s.watches = append(s.watches, spec)
	sort.Slice(s.watches, func(i, j int) bool {
		return s.watches[i].ShortName() < s.watches[j].ShortName()
	})
	s.headerPrinted = false
	log.Printf("Watching: %s", spec.String())
}

// RemoveWatch removes an exact match watch
func (s *DebugState) RemoveWatch(spec WatchSpec) bool {
	for i, w := range s.watches {
		if w.String() == spec.String() {
			s.watches = slices.Delete(s.watches, i, i+1)
			s.headerPrinted = false
			log.Printf("Unwatched: %s", spec.String())
			return true
		}
	}
	log.Printf("No watch found for: %s", spec.String())
	return false
}

// RemoveAll removes all watches
func (s *DebugState) RemoveAll() {
	s.watches = s.watches[:0]
	s.headerPrinted = false
	log.Println("All watches removed")
}

// UpdateData stores the latest telemetry snapshot
func (s *DebugState) UpdateData(data DisplayData) {
	s.latestData = &data
}

// UpdateEstimate stores the latest estimate for a battery
func (s *DebugState) UpdateEstimate(est BatteryEstimate) {
	s.estimates[est.DeviceID] = est
}

// SetReadline sets the readline instance for proper output handling
func (s *DebugState) SetReadline(rl *readline.Instance) {
	s.rl = rl
}

// print outputs a line, handling readline prompt properly
func (s *DebugState) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if s.rl != nil {
		s.rl.Clean()
		s.out(line)
		s.rl.Refresh()
	} else {
		s.out(line)
	}
}

// ListTopics prints all available topics and batteries
func (s *DebugState) ListTopics() {
	if s.latestData != nil {
		topics := make([]string, 0, len(s.latestData.TopicData))
		for topic := range s.latestData.TopicData {
			topics = append(topics, topic)
		}
		sort.Strings(topics)

		s.print("Available topics (%d):", len(topics))
		for _, topic := range topics {
			var typeStr string
			switch s.latestData.TopicData[topic].(type) {
			case *FloatTopicData:
				typeStr = "[float]"
			case *StringTopicData:
				typeStr = "[string]"
			case *BooleanTopicData:
				typeStr = "[bool]"
			default:
				typeStr = "[?]"
			}
			s.print("  %s %s", typeStr, topic)
		}
	} else {
		log.Println("No telemetry received yet")
	}

	ids := s.deviceIDs()
	s.print("Batteries (%d), fields: %s", len(ids), strings.Join(estimateFields, ", "))
	for _, id := range ids {
		s.print("  %s", id)
	}
}

func (s *DebugState) deviceIDs() []string {
	ids := make([]string, 0, len(s.estimates))
	for id := range s.estimates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PrintStatus prints a table of the latest estimate for every battery
func (s *DebugState) PrintStatus() {
	ids := s.deviceIDs()
	if len(ids) == 0 {
		log.Println("No estimates yet")
		return
	}

	s.print("%s", headerStyle.Render(fmt.Sprintf("%-20s %8s %8s %10s %10s %8s %8s",
		"battery", "soc %", "init %", "coulombs", "Ah", "V", "A")))
	for _, id := range ids {
		est := s.estimates[id]
		s.print("%-20s %8s %8s %10s %10s %8s %8s", id,
			formatDebugValue(est.StateOfCharge*100),
			formatDebugValue(est.InitialSoC*100),
			formatDebugValue(est.Coulombs),
			formatDebugValue(est.AmpHours),
			formatDebugValue(est.Voltage),
			formatDebugValue(est.Current),
		)
	}
}

// PrintHeader prints the column headers
func (s *DebugState) PrintHeader() {
	if len(s.watches) == 0 {
		return
	}

	s.columnWidths = make([]int, len(s.watches))
	for i, w := range s.watches {
		s.columnWidths[i] = len(w.ShortName())
	}

	parts := make([]string, 0, len(s.watches))
	for i, w := range s.watches {
		parts = append(parts, fmt.Sprintf("%*s", s.columnWidths[i], w.ShortName()))
	}
	s.print("%s", headerStyle.Render(strings.Join(parts, " | ")))
	s.headerPrinted = true
	s.prevValues = make(map[string]string) // Reset previous values when header changes
}

// PrintRow prints the current values for all watches (only if changed)
func (s *DebugState) PrintRow() {
	if len(s.watches) == 0 {
		return
	}

	if !s.headerPrinted {
		s.PrintHeader()
	}

	parts := make([]string, 0, len(s.watches))
	anyChanged := false
	newValues := make(map[string]string, len(s.watches))

	for i, w := range s.watches {
		value := w.GetValue(s.latestData, s.estimates)
		key := w.String()
		newValues[key] = value

		width := max(s.columnWidths[i], len(value))
		s.columnWidths[i] = width

		cell := fmt.Sprintf("%*s", width, value)
		if prev, ok := s.prevValues[key]; !ok || prev != value {
			anyChanged = true
			cell = changedStyle.Render(cell)
		}
		parts = append(parts, cell)
	}

	if anyChanged {
		s.print("%s", strings.Join(parts, " | "))
		s.prevValues = newValues
	}
}

// parseWatchSpec parses watch command arguments into a WatchSpec
func parseWatchSpec(args []string) (*WatchSpec, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("usage: watch <topic> [-s <cur|min|max>] | watch <battery>:<field>")
	}

	target := args[0]

	if !strings.Contains(target, "/") {
		deviceID, field, ok := strings.Cut(target, ":")
		if !ok || deviceID == "" {
			return nil, fmt.Errorf("estimate watches look like <battery>:<field>")
		}
		if !slices.Contains(estimateFields, field) {
			return nil, fmt.Errorf("field must be one of %s", strings.Join(estimateFields, ", "))
		}
		if len(args) > 1 {
			return nil, fmt.Errorf("unknown option: %s", args[1])
		}
		return &WatchSpec{DeviceID: deviceID, Field: field}, nil
	}

	spec := &WatchSpec{Topic: target, Field: "cur"}
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("-s requires a value (cur, min, or max)")
			}
			i++
			if !slices.Contains(telemetryStats, args[i]) {
				return nil, fmt.Errorf("-s must be cur, min, or max")
			}
			spec.Field = args[i]
		default:
			return nil, fmt.Errorf("unknown option: %s", args[i])
		}
	}
	return spec, nil
}

// parseWireArgs parses "<length m> <area mm²>" for the wire command
func parseWireArgs(args []string) (length, areaM2 float64, err error) {
	if len(args) != 2 {
		return 0, 0, fmt.Errorf("usage: wire <length m> <area mm²>")
	}
	length, err = strconv.ParseFloat(args[0], 64)
	if err != nil || length < 0 {
		return 0, 0, fmt.Errorf("invalid length: %s", args[0])
	}
	areaMM2, err := strconv.ParseFloat(args[1], 64)
	if err != nil || areaMM2 <= 0 {
		return 0, 0, fmt.Errorf("invalid area: %s", args[1])
	}
	return length, areaMM2 * 1e-6, nil
}

// handleDebugCommand processes a debug command
func handleDebugCommand(cmd string, state *DebugState) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "watch":
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		state.AddWatch(*spec)

	case "unwatch":
		if len(parts) < 2 {
			log.Println("Usage: unwatch <watch> | unwatch --all")
			return
		}
		if parts[1] == "--all" {
			state.RemoveAll()
			return
		}
		spec, err := parseWatchSpec(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		state.RemoveWatch(*spec)

	case "list":
		state.ListTopics()

	case "status":
		state.PrintStatus()

	case "wire":
		length, area, err := parseWireArgs(parts[1:])
		if err != nil {
			log.Printf("Error: %v", err)
			return
		}
		state.print("%.6f ohm", battery.WireResistance(length, area))

	case "help":
		state.print("Commands:")
		state.print("  list                          - List telemetry topics and batteries")
		state.print("  status                        - Show latest estimates")
		state.print("  watch <topic>                 - Watch current telemetry value")
		state.print("  watch <topic> -s <min|max>    - Watch 1h minimum or maximum")
		state.print("  watch <battery>:<field>       - Watch an estimate (%s)", strings.Join(estimateFields, ", "))
		state.print("  unwatch <watch> | --all       - Remove a watch")
		state.print("  wire <length m> <area mm²>    - Copper wire resistance")
		state.print("  help                          - Show this help")

	default:
		log.Printf("Unknown command: %s (try 'help')", parts[0])
	}
}

// readlineLoop runs the readline loop, sending commands to the channel
func readlineLoop(
	ctx context.Context,
	cancel context.CancelFunc,
	rl *readline.Instance,
	commandChan chan<- string,
) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel() // Ctrl+C pressed, shutdown the app
			return
		}
		if err != nil {
			return // EOF or other error
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// getHistoryFilePath returns the path for debug history file
func getHistoryFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "" // No history if we can't find home
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	appCache := filepath.Join(cacheDir, "battctl")
	_ = os.MkdirAll(appCache, 0750)
	return filepath.Join(appCache, "debug_history")
}

// debugWorker provides interactive introspection of telemetry and estimates
func debugWorker(
	ctx context.Context,
	cancel context.CancelFunc,
	dataChan <-chan DisplayData,
	estimateChan <-chan BatteryEstimate,
) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "> ",
		HistoryFile: getHistoryFilePath(),
	})
	if err != nil {
		log.Printf("Debug worker: readline init failed: %v", err)
		return
	}
	defer func() {
		_ = rl.Close()
		rlWriter.rl = nil
	}()

	// Redirect log output through readline-aware writer
	rlWriter.rl = rl
	log.SetOutput(rlWriter)

	log.Println("Debug worker started (type 'help' for commands)")

	commandChan := make(chan string, 10)
	state := NewDebugState()
	state.SetReadline(rl)

	go readlineLoop(ctx, cancel, rl, commandChan)

	for {
		select {
		case cmd := <-commandChan:
			handleDebugCommand(cmd, state)
		case data := <-dataChan:
			state.UpdateData(data)
			state.PrintRow()
		case est := <-estimateChan:
			state.UpdateEstimate(est)
			state.PrintRow()
		case <-ctx.Done():
			log.Println("Debug worker stopped")
			return
		}
	}
}
