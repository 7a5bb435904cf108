package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"cyclebot/internal/broker"
)

var (
	ErrDuplicateRule  = errors.New("rule already exists")
	ErrOrderStillOpen = errors.New("existing order still open")
)

// DuplicateRuleError is returned by WriteRule when the symbol already has an
// open play.
type DuplicateRuleError struct {
	Symbol   string
	Existing Rule
}

func (e *DuplicateRuleError) Error() string {
	return fmt.Sprintf("rule for %s already exists (play %s)", e.Symbol, e.Existing.PlayID)
}

func (e *DuplicateRuleError) Unwrap() error {
	return ErrDuplicateRule
}

// OrderLookup is the part of a broker the store needs to protect live orders.
type OrderLookup interface {
	GetOrder(ctx context.Context, id string) (broker.OrderResult, error)
}

const (
	rulePrefix  = "rule:"
	statePrefix = "state:"
)

func ruleKey(symbol string) string {
	return rulePrefix + symbol
}

func stateKey(symbol, brokerName string) string {
	return statePrefix + symbol + ":" + brokerName
}

// Store holds rules and worker states on top of a Backend. It has no
// business logic beyond key uniqueness and the open-order check.
type Store struct {
	backend Backend
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// WriteRule creates the rule for a new play.
func (s *Store) WriteRule(ctx context.Context, rule Rule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", rule.Symbol, err)
	}
	err = s.backend.Create(ctx, ruleKey(rule.Symbol), data)
	if errors.Is(err, ErrKeyExists) {
		existing, getErr := s.Rule(ctx, rule.Symbol)
		if getErr != nil && !errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return &DuplicateRuleError{Symbol: rule.Symbol, Existing: existing}
	}
	if err != nil {
		return fmt.Errorf("write rule %s: %w", rule.Symbol, err)
	}
	return nil
}

// ReplaceRule overwrites the rule for symbol.
func (s *Store) ReplaceRule(ctx context.Context, symbol string, rule Rule) error {
	if rule.Symbol != symbol {
		return fmt.Errorf("replace rule %s with rule for %s", symbol, rule.Symbol)
	}
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("encode rule %s: %w", symbol, err)
	}
	if err := s.backend.Put(ctx, ruleKey(symbol), data); err != nil {
		return fmt.Errorf("replace rule %s: %w", symbol, err)
	}
	return nil
}

func (s *Store) RemoveRule(ctx context.Context, symbol string) error {
	if err := s.backend.Delete(ctx, ruleKey(symbol)); err != nil {
		return fmt.Errorf("remove rule %s: %w", symbol, err)
	}
	return nil
}

// Rule returns ErrNotFound when symbol has no open play.
func (s *Store) Rule(ctx context.Context, symbol string) (Rule, error) {
	data, err := s.backend.Get(ctx, ruleKey(symbol))
	if err != nil {
		return Rule{}, err
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return Rule{}, fmt.Errorf("decode rule %s: %w", symbol, err)
	}
	return rule, nil
}

// Rules lists every open play sorted by symbol.
func (s *Store) Rules(ctx context.Context) ([]Rule, error) {
	raw, err := s.backend.List(ctx, rulePrefix)
	if err != nil {
		return nil, err
	}
	rules := make([]Rule, 0, len(raw))
	for key, data := range raw {
		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Symbol < rules[j].Symbol })
	return rules, nil
}

// WriteState records the order a worker waits on. If a state already exists
// for the key and its order is still working at the broker, the write is
// refused so the live order is not orphaned.
func (s *Store) WriteState(ctx context.Context, st WorkerState, orders OrderLookup) error {
	key := stateKey(st.Symbol, st.Broker)
	if existing, err := s.State(ctx, st.Symbol, st.Broker); err == nil {
		if existing.OrderID != "" && existing.OrderID != st.OrderID && orders != nil {
			order, err := orders.GetOrder(ctx, existing.OrderID)
			if err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
				return fmt.Errorf("check existing order %s: %w", existing.OrderID, err)
			}
			if err == nil && order.Working() {
				return fmt.Errorf("%w: %s %s order %s", ErrOrderStillOpen, st.Symbol, st.Broker, existing.OrderID)
			}
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write state %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveState(ctx context.Context, symbol, brokerName string) error {
	if err := s.backend.Delete(ctx, stateKey(symbol, brokerName)); err != nil {
		return fmt.Errorf("remove state %s: %w", stateKey(symbol, brokerName), err)
	}
	return nil
}

// State returns ErrNotFound when the worker has no outstanding order.
func (s *Store) State(ctx context.Context, symbol, brokerName string) (WorkerState, error) {
	data, err := s.backend.Get(ctx, stateKey(symbol, brokerName))
	if err != nil {
		return WorkerState{}, err
	}
	var st WorkerState
	if err := json.Unmarshal(data, &st); err != nil {
		return WorkerState{}, fmt.Errorf("decode state %s: %w", stateKey(symbol, brokerName), err)
	}
	return st, nil
}

// States lists worker states, optionally for one broker only.
func (s *Store) States(ctx context.Context, brokerName string) ([]WorkerState, error) {
	raw, err := s.backend.List(ctx, statePrefix)
	if err != nil {
		return nil, err
	}
	states := make([]WorkerState, 0, len(raw))
	for key, data := range raw {
		if brokerName != "" && !strings.HasSuffix(key, ":"+brokerName) {
			continue
		}
		var st WorkerState
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].Symbol != states[j].Symbol {
			return states[i].Symbol < states[j].Symbol
		}
		return states[i].Broker < states[j].Broker
	})
	return states, nil
}
