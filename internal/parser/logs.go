package parser

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/order-history/internal/domain"
)

var (
	// [2026-03-01T10:00:00Z] [INFO] [step:102/MERGE_PRS] message
	logLineRegex     = regexp.MustCompile(`^\[([^\]]+)\]\s+\[(INFO|WARN|ERROR|DEBUG)\]\s+\[step:([^\]]+)\]\s+(.*)`)
	stepContextRegex = regexp.MustCompile(`^(\d+|\?)/(.+)`)

	// ──── STATE ──── or ──── STATE (verdict: V) ────
	separatorRegex     = regexp.MustCompile(`─+\s+(\S+)(?:\s+\(verdict:\s+(\S+)\))?\s*─*$`)
	prSeparatorRegex   = regexp.MustCompile(`─+\s+PR\s*#\d+`)
	stepCompleteRegex  = regexp.MustCompile(`─+\s+Step\s+(\d+)\s+Complete\s*─*$`)
	completeMarkRegex  = regexp.MustCompile(`Step\s+(\d+)\s+Complete`)
	stepTitleRegex     = regexp.MustCompile(`=== Step (\d+): (.+?) ===`)
	dispatchStartRegex = regexp.MustCompile(`^=== Dispatch: (/\S+)(.*?) ===$`)
	workStartRegex     = regexp.MustCompile(`^=== /work (\S+) \(exit: (\d+), (\d+)s\) ===$`)
	dispatchEndRegex   = regexp.MustCompile(`^=== End Dispatch ===$`)
	workEndRegex       = regexp.MustCompile(`^=== End /work`)
	dispatchOKRegex    = regexp.MustCompile(`Dispatch OK \((\d+)s\): (/\S+)`)

	fixAttemptRegex    = regexp.MustCompile(`(?:Arbiter fix attempt|Fix attempt) (\d+)/(\d+) for PR #(\d+)`)
	arbiterInvokeRegex = regexp.MustCompile(`(?:Dispatching CI-fix arbiter|Invoking arbiter) \(attempt (\d+)/(\d+)\)`)

	runLogFileRegex  = regexp.MustCompile(`^order-run-(\d{8}T\d{6})\.log$`)
	stepLogFileRegex = regexp.MustCompile(`^step-(\d+)-(.+?)-(\d{8}T\d{6})\.log$`)
)

const (
	// WorkSkill is the skill name recorded for /work blocks
	WorkSkill = "/work"

	runTailLines = 20
)

// verdictRule sets the verdict of the most recent arbiter record. Rules are
// tried in order and every matching rule applies, so a later rule can
// override the verdict an earlier one set for the same message.
type verdictRule struct {
	name  string
	re    *regexp.Regexp
	apply func(rec *ArbiterRecord, m []string)
}

var verdictRules = []verdictRule{
	{
		name: "halt",
		re:   regexp.MustCompile(`Arbiter: HALT \(verdict: (\S+)\)`),
		apply: func(rec *ArbiterRecord, m []string) {
			rec.Verdict = m[1]
		},
	},
	{
		name: "empty",
		re:   regexp.MustCompile(`Arbiter returned empty/null verdict for PR #(\d+)`),
		apply: func(rec *ArbiterRecord, m []string) {
			rec.Verdict = "EMPTY"
			rec.PRNumber = atoiPtr(m[1])
		},
	},
	{
		name: "generic",
		re:   regexp.MustCompile(`Arbiter: (\S+)`),
		apply: func(rec *ArbiterRecord, m []string) {
			if rec.Verdict == "" {
				rec.Verdict = m[1]
			}
		},
	},
}

// LogTransition is a state change recovered from a separator line
type LogTransition struct {
	Timestamp        time.Time
	StepNumber       *int
	FromState        string
	ToState          string
	Verdict          string
	Level            string
	Message          string
	IsSelfTransition bool
	DurationSecs     *float64
}

// DispatchBlock is one captured dispatch or /work sub-block
type DispatchBlock struct {
	Skill        string
	StepNumber   *int
	DurationSecs *float64
	StartedAt    *time.Time
	Content      string
}

// ArbiterRecord is one arbiter attempt recovered from a log
type ArbiterRecord struct {
	StepNumber  *int
	Attempt     *int
	MaxAttempts *int
	Verdict     string
	PRNumber    *int
	Timestamp   time.Time
}

// LogFile is everything recovered from one pass over a log file
type LogFile struct {
	Transitions    []LogTransition
	Dispatches     []DispatchBlock
	ArbiterEvents  []ArbiterRecord
	FirstTS        *time.Time
	LastTS         *time.Time
	StepNumbers    []int
	Titles         map[int]string
	Tail           []string
	CompletedSteps map[int]bool
	SawHalt        bool
}

// RunRecord summarizes one order-run log
type RunRecord struct {
	LogFile     string
	StartedAt   *time.Time
	EndedAt     *time.Time
	Status      domain.RunStatus
	StepNumbers []int
	Titles      map[int]string
}

// StepLog summarizes the latest log file of one step
type StepLog struct {
	StepNumber    int
	Title         string
	LogFile       string
	StartedAt     *time.Time
	EndedAt       *time.Time
	Transitions   []LogTransition
	Dispatches    []DispatchBlock
	ArbiterEvents []ArbiterRecord
	FinalState    string
	FinalVerdict  string
	Titles        map[int]string
	Completed     bool
	Halted        bool
}

type logLine struct {
	timestamp  time.Time
	level      string
	stepNumber *int
	message    string
}

func parseLogLine(line string) (logLine, bool) {
	m := logLineRegex.FindStringSubmatch(line)
	if m == nil {
		return logLine{}, false
	}
	ts, err := ParseTimestamp(m[1])
	if err != nil {
		return logLine{}, false
	}
	parsed := logLine{timestamp: ts, level: m[2], message: m[4]}
	if cm := stepContextRegex.FindStringSubmatch(m[3]); cm != nil && cm[1] != "?" {
		parsed.stepNumber = atoiPtr(cm[1])
	}
	return parsed, true
}

func atoiPtr(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

func atofPtr(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// logScanner is the per-file state machine
type logScanner struct {
	out *LogFile

	prevState   string
	currentStep *int
	steps       map[int]bool

	capturing bool
	block     *DispatchBlock
	content   []string
}

func (s *logScanner) scanTitle(text string) {
	if m := stepTitleRegex.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.out.Titles[n] = m[2]
		}
	}
}

func (s *logScanner) remember(line string) {
	s.out.Tail = append(s.out.Tail, line)
	if len(s.out.Tail) > runTailLines {
		s.out.Tail = s.out.Tail[1:]
	}
	for _, m := range completeMarkRegex.FindAllStringSubmatch(line, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			s.out.CompletedSteps[n] = true
		}
	}
}

func (s *logScanner) feed(line string) {
	s.remember(line)

	if s.capturing {
		if dispatchEndRegex.MatchString(line) || workEndRegex.MatchString(line) {
			s.block.Content = strings.Join(s.content, "\n")
			s.out.Dispatches = append(s.out.Dispatches, *s.block)
			s.capturing, s.block, s.content = false, nil, nil
			return
		}
		s.content = append(s.content, line)
		s.scanTitle(line)
		return
	}

	if m := dispatchStartRegex.FindStringSubmatch(line); m != nil {
		s.openBlock(&DispatchBlock{Skill: m[1], StepNumber: s.currentStep})
		return
	}
	if m := workStartRegex.FindStringSubmatch(line); m != nil {
		// no start time: /work blocks never pair with a transition
		s.openBlock(&DispatchBlock{
			Skill:        WorkSkill,
			StepNumber:   s.currentStep,
			DurationSecs: atofPtr(m[3]),
		})
		return
	}

	parsed, ok := parseLogLine(line)
	if !ok {
		s.scanTitle(line)
		return
	}
	s.handle(parsed)
}

func (s *logScanner) openBlock(block *DispatchBlock) {
	s.capturing = true
	s.block = block
	s.content = nil
}

func (s *logScanner) handle(l logLine) {
	ts := l.timestamp
	if s.out.FirstTS == nil {
		s.out.FirstTS = &ts
	}
	s.out.LastTS = &ts

	if l.stepNumber != nil {
		if !s.steps[*l.stepNumber] {
			s.steps[*l.stepNumber] = true
			s.out.StepNumbers = append(s.out.StepNumbers, *l.stepNumber)
		}
		s.currentStep = l.stepNumber
	}

	s.scanTitle(l.message)

	if m := separatorRegex.FindStringSubmatch(l.message); m != nil {
		if stepCompleteRegex.MatchString(l.message) || prSeparatorRegex.MatchString(l.message) {
			return
		}
		s.out.Transitions = append(s.out.Transitions, LogTransition{
			Timestamp:        l.timestamp,
			StepNumber:       l.stepNumber,
			FromState:        s.prevState,
			ToState:          m[1],
			Verdict:          m[2],
			Level:            l.level,
			Message:          l.message,
			IsSelfTransition: domain.IsSelfTransition(s.prevState, m[1]),
		})
		s.prevState = m[1]
		return
	}

	if m := dispatchOKRegex.FindStringSubmatch(l.message); m != nil {
		s.backfillDispatch(m[2], atofPtr(m[1]), l.timestamp)
	}

	if m := fixAttemptRegex.FindStringSubmatch(l.message); m != nil {
		s.out.ArbiterEvents = append(s.out.ArbiterEvents, ArbiterRecord{
			StepNumber:  l.stepNumber,
			Attempt:     atoiPtr(m[1]),
			MaxAttempts: atoiPtr(m[2]),
			PRNumber:    atoiPtr(m[3]),
			Timestamp:   l.timestamp,
		})
	}
	if m := arbiterInvokeRegex.FindStringSubmatch(l.message); m != nil {
		s.out.ArbiterEvents = append(s.out.ArbiterEvents, ArbiterRecord{
			StepNumber:  l.stepNumber,
			Attempt:     atoiPtr(m[1]),
			MaxAttempts: atoiPtr(m[2]),
			Timestamp:   l.timestamp,
		})
	}

	s.applyVerdict(l.message)
}

// backfillDispatch gives the most recent unfilled block with the same skill
// its duration and start time
func (s *logScanner) backfillDispatch(skill string, duration *float64, ts time.Time) {
	if duration == nil {
		return
	}
	for i := len(s.out.Dispatches) - 1; i >= 0; i-- {
		d := &s.out.Dispatches[i]
		if d.Skill == skill && d.DurationSecs == nil {
			d.DurationSecs = duration
			d.StartedAt = &ts
			return
		}
	}
}

func (s *logScanner) applyVerdict(message string) {
	for _, rule := range verdictRules {
		m := rule.re.FindStringSubmatch(message)
		if m == nil {
			continue
		}
		if rule.name == "halt" {
			s.out.SawHalt = true
		}
		if n := len(s.out.ArbiterEvents); n > 0 {
			rule.apply(&s.out.ArbiterEvents[n-1], m)
		}
	}
}

func (s *logScanner) finish() {
	for i := 0; i+1 < len(s.out.Transitions); i++ {
		cur, next := &s.out.Transitions[i], s.out.Transitions[i+1]
		if !next.Timestamp.Before(cur.Timestamp) {
			secs := next.Timestamp.Sub(cur.Timestamp).Seconds()
			cur.DurationSecs = &secs
		}
	}
	sort.Ints(s.out.StepNumbers)
}

// ParseLog runs the log state machine over r
func ParseLog(r io.Reader) (*LogFile, error) {
	s := &logScanner{
		out: &LogFile{
			Titles:         make(map[int]string),
			CompletedSteps: make(map[int]bool),
		},
		steps: make(map[int]bool),
	}

	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" || err == nil {
			line = strings.TrimRight(line, "\r\n")
			s.feed(strings.ToValidUTF8(line, "�"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	s.finish()
	return s.out, nil
}

// ParseLogFile parses a single run or step log file
func ParseLogFile(path string) (*LogFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseLog(f)
}

// runStatus classifies a run from the final lines of its log
func runStatus(tail []string) domain.RunStatus {
	for _, line := range tail {
		if strings.Contains(line, "HALT") || strings.Contains(line, "MERGE_BLOCKED") {
			return domain.RunHalted
		}
	}
	return domain.RunCompleted
}

func logsDir(orderDir string) string {
	return filepath.Join(orderDir, "logs")
}

// ParseRunLogs parses every logs/order-run-<ts>.log file in filename order
func ParseRunLogs(orderDir string) ([]RunRecord, error) {
	entries, err := os.ReadDir(logsDir(orderDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []RunRecord
	for _, entry := range entries {
		if entry.IsDir() || !runLogFileRegex.MatchString(entry.Name()) {
			continue
		}
		parsed, err := ParseLogFile(filepath.Join(logsDir(orderDir), entry.Name()))
		if err != nil {
			return nil, err
		}
		runs = append(runs, RunRecord{
			LogFile:     entry.Name(),
			StartedAt:   parsed.FirstTS,
			EndedAt:     parsed.LastTS,
			Status:      runStatus(parsed.Tail),
			StepNumbers: parsed.StepNumbers,
			Titles:      parsed.Titles,
		})
	}
	return runs, nil
}

// ParseStepLogs parses the latest logs/step-<N>-<slug>-<ts>.log file of each
// step, ordered by step number
func ParseStepLogs(orderDir string) ([]StepLog, error) {
	entries, err := os.ReadDir(logsDir(orderDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type candidate struct {
		name  string
		stamp string
	}
	latest := make(map[int]candidate)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := stepLogFileRegex.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if cur, ok := latest[n]; !ok || m[3] >= cur.stamp {
			latest[n] = candidate{name: entry.Name(), stamp: m[3]}
		}
	}

	numbers := make([]int, 0, len(latest))
	for n := range latest {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	results := make([]StepLog, 0, len(numbers))
	for _, n := range numbers {
		name := latest[n].name
		parsed, err := ParseLogFile(filepath.Join(logsDir(orderDir), name))
		if err != nil {
			return nil, err
		}

		record := StepLog{
			StepNumber:    n,
			Title:         parsed.Titles[n],
			LogFile:       name,
			StartedAt:     parsed.FirstTS,
			EndedAt:       parsed.LastTS,
			Transitions:   parsed.Transitions,
			Dispatches:    parsed.Dispatches,
			ArbiterEvents: parsed.ArbiterEvents,
			Titles:        parsed.Titles,
			Completed:     parsed.CompletedSteps[n],
			Halted:        parsed.SawHalt,
		}
		if k := len(parsed.Transitions); k > 0 {
			record.FinalState = parsed.Transitions[k-1].ToState
			record.FinalVerdict = parsed.Transitions[k-1].Verdict
		}
		results = append(results, record)
	}
	return results, nil
}
