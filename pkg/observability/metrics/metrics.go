package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// terminal state name -> account -> count
	terminalStates = map[string]map[string]int64{}

	queuedObjects atomic.Int64
)

func Init() {}

// IncrTerminalState bumps the counter for a report reaching a terminal state,
// labeled by the owning account.
func IncrTerminalState(state, account string) {
	name := strings.ToLower(state)
	mu.Lock()
	defer mu.Unlock()
	if terminalStates[name] == nil {
		terminalStates[name] = map[string]int64{}
	}
	terminalStates[name][account]++
}

// TerminalStateCount returns the current counter value for a state/account pair.
func TerminalStateCount(state, account string) int64 {
	mu.Lock()
	defer mu.Unlock()
	return terminalStates[strings.ToLower(state)][account]
}

// ObserveQueued records the latest backlog sample from the work selector.
func ObserveQueued(count int64) {
	queuedObjects.Store(count)
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP report_engine_queued_objects Number of reports currently eligible for processing.\n")
	fmt.Fprintf(w, "# TYPE report_engine_queued_objects gauge\n")
	fmt.Fprintf(w, "report_engine_queued_objects %d\n", queuedObjects.Load())

	mu.Lock()
	defer mu.Unlock()

	states := make([]string, 0, len(terminalStates))
	for state := range terminalStates {
		states = append(states, state)
	}
	sort.Strings(states)

	for _, state := range states {
		fmt.Fprintf(w, "# HELP %s Number of reports that reached the %s terminal state.\n", state, state)
		fmt.Fprintf(w, "# TYPE %s counter\n", state)

		accounts := make([]string, 0, len(terminalStates[state]))
		for account := range terminalStates[state] {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)

		for _, account := range accounts {
			fmt.Fprintf(w, "%s{account_number=%q} %d\n", state, account, terminalStates[state][account])
		}
	}
}
