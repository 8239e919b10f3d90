package config

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

var (
	rulesValue     atomic.Pointer[Rules]
	rulesMu        sync.Mutex
	rulesListeners []chan *Rules
	rulesApplied   uint64
)

func init() {
	rulesValue.Store(DefaultRules())
}

// GetRules returns the active rule table snapshot. Never nil.
func GetRules() *Rules {
	return rulesValue.Load()
}

// ReadRules loads the rule table from path, keeping the embedded defaults when path is
// empty or unreadable.
func ReadRules(path string) {
	if path == "" {
		log.Debug("Using embedded rule tables", "version", GetRules().Version)
		return
	}

	rules, err := LoadRulesFile(path)
	if err != nil {
		log.Error("Error loading rules file, keeping embedded defaults", "path", path, "error", err)
		return
	}

	if err := applyRulesUpdate(rules, rulesUpdateOptions{source: "file"}); err != nil {
		log.Error("Error applying rules from file", "error", err)
		return
	}
}

// SetRules validates-and-applies a compiled table and propagates it to other instances.
func SetRules(rules *Rules) error {
	if rules == nil {
		return errors.New("config: rules cannot be nil")
	}
	return applyRulesUpdate(rules, rulesUpdateOptions{broadcast: true, source: "local"})
}

// RulesUpdates returns a channel that receives every newly applied rule table. Slow
// listeners only see the latest table.
func RulesUpdates() <-chan *Rules {
	ch := make(chan *Rules, 1)
	rulesMu.Lock()
	rulesListeners = append(rulesListeners, ch)
	rulesMu.Unlock()
	return ch
}

type rulesUpdateOptions struct {
	broadcast bool
	source    string
}

func applyRulesUpdate(rules *Rules, opts rulesUpdateOptions) error {
	rulesMu.Lock()
	defer rulesMu.Unlock()

	// Published tables are read-only, so the generation goes on a shallow copy.
	next := *rules
	rulesApplied++
	next.Generation = rulesApplied
	rules = &next

	rulesValue.Store(rules)

	for _, ch := range rulesListeners {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- rules:
		default:
		}
	}

	var err error
	if opts.broadcast {
		payload, marshalErr := json.Marshal(rules)
		if marshalErr != nil {
			err = marshalErr
		} else {
			err = broadcastRulesUpdate(payload)
		}
		if err != nil {
			log.Error("Error broadcasting rules update", "error", err)
		}
	}

	log.Info("Rule tables applied", "version", rules.Version, "source", opts.source)
	return err
}
