package ledger

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Unclassified marks evidence no rule or classifier could type.
const Unclassified = "unclassified"

// Rule is one classification rule as written in YAML.
type Rule struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Expr string `yaml:"expr"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	program cel.Program
}

// RuleSet is an ordered, compiled rule list. It is safe for concurrent use.
type RuleSet struct {
	rules []compiledRule
}

// Artifact holds the facts rules and classifiers see.
type Artifact struct {
	Source   string
	Name     string
	Ext      string
	Hint     string
	Tags     []string
	Size     int64
	Head     string
	Metadata map[string]string
}

func (a Artifact) activation() map[string]any {
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]any{
		"source":   a.Source,
		"name":     a.Name,
		"ext":      a.Ext,
		"hint":     a.Hint,
		"tags":     tags,
		"size":     a.Size,
		"head":     a.Head,
		"metadata": metadata,
	}
}

func newRuleEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("source", cel.StringType),
		cel.Variable("name", cel.StringType),
		cel.Variable("ext", cel.StringType),
		cel.Variable("hint", cel.StringType),
		cel.Variable("tags", cel.ListType(cel.StringType)),
		cel.Variable("size", cel.IntType),
		cel.Variable("head", cel.StringType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return env, nil
}

// DefaultRules compiles the built-in rule set.
func DefaultRules() (*RuleSet, error) {
	return parseRules(defaultRulesYAML, "built-in rules")
}

// LoadRules compiles the rule file at path.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return parseRules(data, filepath.Base(path))
}

func parseRules(data []byte, origin string) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", origin, err)
	}
	return CompileRules(file.Rules)
}

// CompileRules type-checks every rule. Typed rules must be boolean; untyped
// rules must return a string.
func CompileRules(rules []Rule) (*RuleSet, error) {
	env, err := newRuleEnv()
	if err != nil {
		return nil, err
	}
	set := &RuleSet{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		rule.Name = strings.TrimSpace(rule.Name)
		rule.Type = strings.ToLower(strings.TrimSpace(rule.Type))
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("rule-%d", i+1)
		}
		ast, issues := env.Compile(rule.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile: %w", rule.Name, issues.Err())
		}
		want := cel.StringType
		if rule.Type != "" {
			want = cel.BoolType
		}
		if !ast.OutputType().IsExactType(want) {
			return nil, fmt.Errorf("rule %s: expression returns %s, want %s", rule.Name, ast.OutputType(), want)
		}
		program, err := env.Program(ast, cel.CostLimit(10000))
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", rule.Name, err)
		}
		set.rules = append(set.rules, compiledRule{Rule: rule, program: program})
	}
	return set, nil
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Classify returns the type from the first matching rule and that rule's
// name. Evaluation errors skip the rule.
func (s *RuleSet) Classify(artifact Artifact) (string, string, bool) {
	if s == nil {
		return "", "", false
	}
	input := artifact.activation()
	for _, rule := range s.rules {
		out, _, err := rule.program.Eval(input)
		if err != nil {
			continue
		}
		if rule.Type != "" {
			if out == types.True {
				return rule.Type, rule.Name, true
			}
			continue
		}
		if value, ok := out.Value().(string); ok {
			if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
				return value, rule.Name, true
			}
		}
	}
	return "", "", false
}
