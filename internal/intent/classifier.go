// Package intent maps free-text task descriptions to an enumerated task
// type using externally configured rule data. Classification is a pure
// function of the input text and the loaded rule table: identical input
// always yields the same type.
package intent

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/veritaslab/scribe/internal/models"
)

// Rule is one weighted keyword for a task type.
type Rule struct {
	Keyword string  `yaml:"keyword"`
	Weight  float64 `yaml:"weight"`
}

// RuleTable is the on-disk rule data. Priority lists the task types in
// tie-break order: the earliest declared type wins an equal score.
type RuleTable struct {
	DefaultType string            `yaml:"default_type"`
	Priority    []string          `yaml:"priority"`
	Rules       map[string][]Rule `yaml:"rules"`
}

// Classifier scores task text against the rule table. Safe for
// concurrent use; Reload swaps the table atomically.
type Classifier struct {
	mu     sync.RWMutex
	table  RuleTable
	logger *zap.Logger
}

// NewClassifier builds a classifier from an already parsed table.
func NewClassifier(table RuleTable, logger *zap.Logger) (*Classifier, error) {
	if err := validate(table); err != nil {
		return nil, err
	}
	return &Classifier{table: table, logger: logger}, nil
}

// LoadClassifier reads the YAML rule file at path.
func LoadClassifier(path string, logger *zap.Logger) (*Classifier, error) {
	table, err := loadTable(path)
	if err != nil {
		return nil, err
	}
	return NewClassifier(table, logger)
}

func loadTable(path string) (RuleTable, error) {
	var table RuleTable
	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("read intent rules: %w", err)
	}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return table, fmt.Errorf("parse intent rules: %w", err)
	}
	return table, nil
}

func validate(table RuleTable) error {
	if table.DefaultType == "" {
		return fmt.Errorf("intent rules: default_type is required")
	}
	if len(table.Priority) == 0 {
		return fmt.Errorf("intent rules: priority order is required")
	}
	for taskType := range table.Rules {
		found := false
		for _, p := range table.Priority {
			if p == taskType {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("intent rules: type %q has rules but no priority position", taskType)
		}
	}
	return nil
}

// Reload re-reads the rule file and swaps the table in place. The
// previous table stays active if the new one fails to parse.
func (c *Classifier) Reload(path string) error {
	table, err := loadTable(path)
	if err != nil {
		return err
	}
	if err := validate(table); err != nil {
		return err
	}
	c.mu.Lock()
	c.table = table
	c.mu.Unlock()
	c.logger.Info("Intent rules reloaded",
		zap.Int("types", len(table.Rules)),
		zap.String("default", table.DefaultType),
	)
	return nil
}

// Classify returns the task type for the given text. Scores are the sum
// of weights of matched keywords; ties resolve to the earliest type in
// the declared priority order; no match returns the default type.
func (c *Classifier) Classify(text string) string {
	c.mu.RLock()
	table := c.table
	c.mu.RUnlock()

	lowered := strings.ToLower(text)
	scores := make(map[string]float64, len(table.Rules))
	for taskType, rules := range table.Rules {
		for _, r := range rules {
			if r.Keyword == "" {
				continue
			}
			if strings.Contains(lowered, strings.ToLower(r.Keyword)) {
				scores[taskType] += r.Weight
			}
		}
	}

	best := ""
	bestScore := 0.0
	for _, taskType := range table.Priority {
		score, ok := scores[taskType]
		if !ok || score <= 0 {
			continue
		}
		// Strict greater-than keeps the earliest declared type on ties.
		if best == "" || score > bestScore {
			best = taskType
			bestScore = score
		}
	}
	if best == "" {
		return table.DefaultType
	}
	return best
}

// Resolve returns requested when it names a known task type, otherwise
// classifies the text. "auto" and empty always classify.
func (c *Classifier) Resolve(requested, text string) string {
	switch requested {
	case "", models.TypeAuto:
		return c.Classify(text)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.table.Priority {
		if p == requested {
			return requested
		}
	}
	return c.Classify(text)
}
