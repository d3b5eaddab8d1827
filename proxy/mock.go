package proxy

import (
	"regexp"
	"strings"
	"sync"

	"github.com/hellresistor/trafexia/storage"
	uuid "github.com/satori/go.uuid"
)

// MockEngine matches (method, url) against the configured rules and
// produces synthetic responses. Rules persist through the store; the
// in-memory list is rebuilt from it at startup.
type MockEngine struct {
	store *storage.Store

	mu    sync.RWMutex
	rules []*storage.MockRule
	regex map[string]*regexp.Regexp
	bad   map[string]bool
}

func NewMockEngine(store *storage.Store) (*MockEngine, error) {
	e := &MockEngine{
		store: store,
		regex: make(map[string]*regexp.Regexp),
		bad:   make(map[string]bool),
	}
	if err := e.reload(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *MockEngine) reload() error {
	rules, err := e.store.ListMockRules()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = rules
	// compiled patterns for removed or changed rules go stale; drop them
	e.regex = make(map[string]*regexp.Regexp)
	e.bad = make(map[string]bool)
	e.mu.Unlock()
	return nil
}

// Find returns the first enabled rule matching method and url, in rule
// order. A rule with an invalid pattern never matches and is logged once.
func (e *MockEngine) Find(method, url string) *storage.MockRule {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if rule.Method != "" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		re, ok := e.regex[rule.ID]
		if !ok {
			if e.bad[rule.ID] {
				continue
			}
			compiled, err := regexp.Compile("(?i)" + rule.URLPattern)
			if err != nil {
				e.bad[rule.ID] = true
				log.Warnf("mock rule %v pattern %q invalid: %v", rule.ID, rule.URLPattern, err)
				continue
			}
			re = compiled
			e.regex[rule.ID] = re
		}
		if re.MatchString(url) {
			return rule
		}
	}
	return nil
}

// Generate returns a defensive copy of the rule's literal response.
func (e *MockEngine) Generate(rule *storage.MockRule) (int, storage.Headers, []byte) {
	headers := make(storage.Headers, len(rule.ResponseHeaders))
	for k, v := range rule.ResponseHeaders {
		headers[strings.ToLower(k)] = v
	}
	return rule.ResponseStatus, headers, []byte(rule.ResponseBody)
}

func (e *MockEngine) Add(rule *storage.MockRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewV4().String()
	}
	if err := e.store.SaveMockRule(rule); err != nil {
		return err
	}
	return e.reload()
}

func (e *MockEngine) Update(rule *storage.MockRule) error {
	if err := e.store.UpdateMockRule(rule); err != nil {
		return err
	}
	return e.reload()
}

func (e *MockEngine) Delete(id string) error {
	if err := e.store.DeleteMockRule(id); err != nil {
		return err
	}
	return e.reload()
}

// Toggle flips the enabled flag of rule id.
func (e *MockEngine) Toggle(id string) error {
	rule, err := e.store.GetMockRule(id)
	if err != nil {
		return err
	}
	rule.Enabled = !rule.Enabled
	return e.Update(rule)
}

// List returns a snapshot of the current rules.
func (e *MockEngine) List() []*storage.MockRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*storage.MockRule, len(e.rules))
	copy(out, e.rules)
	return out
}
