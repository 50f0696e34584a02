package planning

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/nidhogg/simulacra/internal/oracle"
)

// Draft is a parsed plan before ids, owner and status are attached.
type Draft struct {
	Goals  []string
	Blocks []TimeBlock
}

type period struct {
	start    time.Duration
	duration time.Duration
}

var defaultPeriods = map[string]period{
	"morning":   {9 * time.Hour, 180 * time.Minute},
	"afternoon": {13 * time.Hour, 240 * time.Minute},
	"evening":   {18 * time.Hour, 180 * time.Minute},
}

var (
	sectionRe = regexp.MustCompile(`(?i)^\s*\**(goal|goals|morning|afternoon|evening)\**\s*:\s*(.*)$`)
	fieldRe   = regexp.MustCompile(`(?i)^\s*\**(activity|location|reasoning|tasks?)\**\s*:\s*(.*)$`)
	rangeRe   = regexp.MustCompile(`(\d{1,2}):(\d{2})\s*[-–to]+\s*(\d{1,2}):(\d{2})`)
	bulletRe  = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.*)$`)
	minutesRe = regexp.MustCompile(`(?i)\((\d+)\s*(?:m|min|mins|minutes)\)\s*$`)
)

// ParsePlan reads a plan reply anchored on day (midnight UTC). It accepts a
// JSON object or the GOAL / MORNING / AFTERNOON / EVENING text layout.
// A reply with no usable block is ErrOracleMalformedResponse.
func ParsePlan(reply string, day time.Time) (*Draft, error) {
	body := stripFence(reply)
	var (
		d   *Draft
		err error
	)
	if strings.HasPrefix(body, "{") {
		d, err = parseJSON(body, day)
	} else {
		d = parseText(body, day)
	}
	if err != nil {
		return nil, err
	}
	if len(d.Blocks) == 0 {
		return nil, fmt.Errorf("%w: plan has no time blocks", oracle.ErrOracleMalformedResponse)
	}
	return d, nil
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if i := strings.Index(s, "\n"); i >= 0 {
			s = s[i+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

type jsonPlan struct {
	Goals  []string `json:"goals"`
	Goal   string   `json:"goal"`
	Blocks []struct {
		Start    string `json:"start"`
		End      string `json:"end"`
		Period   string `json:"period"`
		Activity string `json:"activity"`
		Location string `json:"location"`
		Tasks    []struct {
			Description     string `json:"description"`
			DurationMinutes int    `json:"duration_minutes"`
			Location        string `json:"location"`
		} `json:"tasks"`
	} `json:"blocks"`
}

func parseJSON(body string, day time.Time) (*Draft, error) {
	var jp jsonPlan
	if err := json.Unmarshal([]byte(body), &jp); err != nil {
		return nil, fmt.Errorf("%w: %v", oracle.ErrOracleMalformedResponse, err)
	}
	d := &Draft{Goals: jp.Goals}
	if jp.Goal != "" {
		d.Goals = append(d.Goals, jp.Goal)
	}
	for _, jb := range jp.Blocks {
		start, end, ok := blockRange(day, jb.Start+"-"+jb.End, jb.Period)
		if !ok || strings.TrimSpace(jb.Activity) == "" {
			continue
		}
		b := TimeBlock{Start: start, End: end, Activity: strings.TrimSpace(jb.Activity), Location: jb.Location}
		for _, jt := range jb.Tasks {
			if strings.TrimSpace(jt.Description) == "" {
				continue
			}
			b.Tasks = append(b.Tasks, newTask(jt.Description, jt.DurationMinutes, firstNonEmpty(jt.Location, jb.Location)))
		}
		d.Blocks = append(d.Blocks, finishBlock(b))
	}
	return d, nil
}

func parseText(body string, day time.Time) *Draft {
	d := &Draft{}
	var (
		cur     *TimeBlock
		inTasks bool
	)
	flush := func() {
		if cur != nil && cur.Activity != "" {
			d.Blocks = append(d.Blocks, finishBlock(*cur))
		}
		cur = nil
		inTasks = false
	}

	for _, line := range strings.Split(body, "\n") {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			name := strings.ToLower(m[1])
			value := strings.Trim(strings.TrimSpace(m[2]), "[]")
			if name == "goal" || name == "goals" {
				flush()
				if value != "" {
					d.Goals = append(d.Goals, value)
				}
				continue
			}
			flush()
			start, end, ok := blockRange(day, value, name)
			if ok {
				cur = &TimeBlock{Start: start, End: end}
				if _, isPeriod := defaultPeriods[strings.ToLower(value)]; !isPeriod && !rangeRe.MatchString(value) {
					cur.Activity = value
				}
			}
			continue
		}
		if cur == nil {
			continue
		}
		if m := fieldRe.FindStringSubmatch(line); m != nil {
			value := strings.TrimSpace(m[2])
			switch strings.ToLower(m[1]) {
			case "activity":
				cur.Activity = value
			case "location":
				cur.Location = value
			case "task", "tasks":
				inTasks = true
				if value != "" {
					cur.Tasks = append(cur.Tasks, taskFromLine(value, cur.Location))
				}
			}
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil && inTasks {
			cur.Tasks = append(cur.Tasks, taskFromLine(m[1], cur.Location))
		}
	}
	flush()
	return d
}

// blockRange resolves an "HH:MM-HH:MM" range on day, falling back to the
// named period's default. An end before the start rolls to the next day.
func blockRange(day time.Time, text, periodName string) (time.Time, time.Time, bool) {
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		sh, _ := strconv.Atoi(m[1])
		sm, _ := strconv.Atoi(m[2])
		eh, _ := strconv.Atoi(m[3])
		em, _ := strconv.Atoi(m[4])
		if sh < 24 && eh <= 24 && sm < 60 && em < 60 {
			start := day.Add(time.Duration(sh)*time.Hour + time.Duration(sm)*time.Minute)
			end := day.Add(time.Duration(eh)*time.Hour + time.Duration(em)*time.Minute)
			if end.Before(start) {
				end = end.Add(24 * time.Hour)
			}
			return start, end, true
		}
	}
	for _, name := range []string{periodName, text} {
		if p, ok := defaultPeriods[strings.ToLower(strings.TrimSpace(name))]; ok {
			return day.Add(p.start), day.Add(p.start + p.duration), true
		}
	}
	return time.Time{}, time.Time{}, false
}

func taskFromLine(line, location string) Task {
	minutes := 0
	if m := minutesRe.FindStringSubmatch(line); m != nil {
		minutes, _ = strconv.Atoi(m[1])
		line = strings.TrimSpace(line[:len(line)-len(m[0])])
	}
	return newTask(line, minutes, location)
}

func newTask(description string, minutes int, location string) Task {
	description = strings.TrimSpace(description)
	return Task{
		Description:     description,
		DurationMinutes: minutes,
		Location:        location,
		Status:          TaskPending,
		ActionKind:      InferActionKind(description),
	}
}

// finishBlock gives a block without tasks a single task covering it, and
// fills missing task durations with the block length.
func finishBlock(b TimeBlock) TimeBlock {
	total := int(b.End.Sub(b.Start).Minutes())
	if len(b.Tasks) == 0 {
		b.Tasks = []Task{newTask(b.Activity, total, b.Location)}
		return b
	}
	for i := range b.Tasks {
		if b.Tasks[i].DurationMinutes <= 0 {
			b.Tasks[i].DurationMinutes = total / len(b.Tasks)
		}
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
