package parser

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var handoffFileRegex = regexp.MustCompile(`^step-(\d+)_HANDOFF\.ya?ml$`)

// HandoffRecord is the typed view of one step-N_HANDOFF.yml document
type HandoffRecord struct {
	StepNumber       int
	Title            string
	Phase            string
	PhaseNumber      *int
	Status           string // normalized; empty when the document has none
	TasksCompleted   int
	PRsMergedNumbers []int
	KeyDecisions     string // JSON
	Tradeoffs        string // JSON
	KnownRisks       string // JSON
	Learnings        string // JSON
	Followups        string // JSON
	NextStepNumber   *int
	NextStepTitle    string
	FilePath         string
}

// handoffDoc mirrors the handoff layout. Every nested section decodes
// leniently: absent or mistyped sections leave their zero value.
type handoffDoc struct {
	StepCompleted    mapping[stepCompletedSection]    `yaml:"step_completed"`
	ExecutionSummary mapping[executionSummarySection] `yaml:"execution_summary"`
	NextStep         mapping[nextStepSection]         `yaml:"next_step"`
	KeyDecisions     jsonText                         `yaml:"key_decisions"`
	Tradeoffs        jsonText                         `yaml:"tradeoffs"`
	KnownRisks       jsonText                         `yaml:"known_risks"`
	Learnings        jsonText                         `yaml:"learnings"`
	Followups        jsonText                         `yaml:"followups"`
}

type stepCompletedSection struct {
	Title       scalarText `yaml:"title"`
	Phase       scalarText `yaml:"phase"`
	PhaseNumber optInt     `yaml:"phase_number"`
	Status      scalarText `yaml:"status"`
}

type executionSummarySection struct {
	PRsMerged      mapping[prsMergedSection] `yaml:"prs_merged"`
	TasksCompleted optInt                    `yaml:"tasks_completed"`
}

type prsMergedSection struct {
	Numbers intList `yaml:"numbers"`
}

type nextStepSection struct {
	Number optInt     `yaml:"number"`
	Title  scalarText `yaml:"title"`
}

// mapping decodes a YAML mapping into T, ignoring anything else
type mapping[T any] struct {
	v T
}

func (m *mapping[T]) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	var v T
	if err := n.Decode(&v); err != nil {
		return nil
	}
	m.v = v
	return nil
}

// scalarText keeps the raw text of a scalar node
type scalarText string

func (s *scalarText) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode && n.Tag != "!!null" {
		*s = scalarText(n.Value)
	}
	return nil
}

// optInt is an integer that may be absent or unparsable
type optInt struct {
	v  int
	ok bool
}

func (o *optInt) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return nil
	}
	if v, err := strconv.Atoi(strings.TrimSpace(n.Value)); err == nil {
		o.v, o.ok = v, true
	}
	return nil
}

func (o optInt) ptr() *int {
	if !o.ok {
		return nil
	}
	v := o.v
	return &v
}

// intList collects the integer entries of a sequence
type intList []int

func (l *intList) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return nil
	}
	for _, item := range n.Content {
		var o optInt
		_ = o.UnmarshalYAML(item)
		if o.ok {
			*l = append(*l, o.v)
		}
	}
	return nil
}

// jsonText re-serializes an arbitrary YAML section as JSON text
type jsonText string

func (j *jsonText) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	*j = jsonText(data)
	return nil
}

func (j jsonText) orEmptyList() string {
	if j == "" {
		return "[]"
	}
	return string(j)
}

// NormalizeHandoffStatus maps a handoff status onto the step status vocabulary
func NormalizeHandoffStatus(raw string) string {
	if raw == "" {
		return ""
	}
	if raw == "COMPLETE" {
		return "completed"
	}
	return strings.ToLower(raw)
}

// ParseHandoffFile parses a single handoff document. It returns nil without
// error when the file name doesn't match or the document is empty or
// unreadable as YAML.
func ParseHandoffFile(path string) (*HandoffRecord, error) {
	matches := handoffFileRegex.FindStringSubmatch(filepath.Base(path))
	if matches == nil {
		return nil, nil
	}
	stepNumber, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var root yaml.Node
	if err := yaml.Unmarshal(content, &root); err != nil {
		slog.Debug("skipping unreadable handoff", "path", path, "err", err)
		return nil, nil
	}
	if len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode || len(root.Content[0].Content) == 0 {
		return nil, nil
	}

	var doc handoffDoc
	if err := root.Content[0].Decode(&doc); err != nil {
		slog.Debug("skipping unreadable handoff", "path", path, "err", err)
		return nil, nil
	}

	step := doc.StepCompleted.v
	summary := doc.ExecutionSummary.v
	next := doc.NextStep.v

	return &HandoffRecord{
		StepNumber:       stepNumber,
		Title:            string(step.Title),
		Phase:            string(step.Phase),
		PhaseNumber:      step.PhaseNumber.ptr(),
		Status:           NormalizeHandoffStatus(string(step.Status)),
		TasksCompleted:   summary.TasksCompleted.v,
		PRsMergedNumbers: []int(summary.PRsMerged.v.Numbers),
		KeyDecisions:     doc.KeyDecisions.orEmptyList(),
		Tradeoffs:        doc.Tradeoffs.orEmptyList(),
		KnownRisks:       doc.KnownRisks.orEmptyList(),
		Learnings:        doc.Learnings.orEmptyList(),
		Followups:        doc.Followups.orEmptyList(),
		NextStepNumber:   next.Number.ptr(),
		NextStepTitle:    string(next.Title),
		FilePath:         path,
	}, nil
}

// ParseHandoffs parses every handoff document in orderDir/handoffs, in
// filename order. A missing directory yields no records.
func ParseHandoffs(orderDir string) ([]*HandoffRecord, error) {
	dir := filepath.Join(orderDir, "handoffs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []*HandoffRecord
	for _, entry := range entries {
		if entry.IsDir() || !handoffFileRegex.MatchString(entry.Name()) {
			continue
		}
		record, err := ParseHandoffFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			slog.Warn("reading handoff", "file", entry.Name(), "err", err)
			continue
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records, nil
}
