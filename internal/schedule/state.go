package schedule

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dalnet/ircbot/internal/storage"
)

// StateFile is the name of the repeater state file in the data directory.
const StateFile = "scheduler.state"

// RepeaterState is the persisted position of one named repeater.
type RepeaterState struct {
	Name   string
	Period time.Duration
	Next   time.Time
}

// Snapshot returns the named repeaters, sorted by name.
func (s *Scheduler) Snapshot() []RepeaterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RepeaterState, 0, len(s.names))
	for name, id := range s.names {
		e := s.events[id]
		out = append(out, RepeaterState{Name: name, Period: e.period, Next: e.at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore remembers next-fire times for repeaters that have not been added
// yet; AddNamedRepeater consumes them. Times already past fire on the first
// tick.
func (s *Scheduler) Restore(states []RepeaterState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.restored[st.Name] = st.Next
	}
}

// SaveState writes the named repeaters to dataDir, one
// "name<TAB>period<TAB>next-fire" line each.
func (s *Scheduler) SaveState(dataDir string) error {
	var lines []string
	for _, st := range s.Snapshot() {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%d", st.Name, st.Period, st.Next.Unix()))
	}
	return storage.WriteLines(storage.Path(dataDir, StateFile), lines)
}

// LoadState reads a state file written by SaveState. A missing file is an
// empty state; malformed lines are skipped.
func LoadState(dataDir string) ([]RepeaterState, error) {
	lines, err := storage.ReadLines(storage.Path(dataDir, StateFile))
	if err != nil {
		return nil, err
	}
	var states []RepeaterState
	for _, line := range lines {
		st, err := parseStateLine(line)
		if err != nil {
			continue
		}
		states = append(states, st)
	}
	return states, nil
}

func parseStateLine(line string) (RepeaterState, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != 3 {
		return RepeaterState{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	period, err := time.ParseDuration(fields[1])
	if err != nil {
		return RepeaterState{}, err
	}
	unix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return RepeaterState{}, err
	}
	return RepeaterState{Name: fields[0], Period: period, Next: time.Unix(unix, 0)}, nil
}
