package extraction

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	leadInPattern = regexp.MustCompile(`(?i)^(?:please\s+)?(?:remind me to|remind me|remember to|don'?t forget to|i need to|i have to|i must)\s+`)

	highPriorityPattern = regexp.MustCompile(`(?i)\b(?:urgent(?:ly)?|asap|important|critical|high priority)\b`)
	lowPriorityPattern  = regexp.MustCompile(`(?i)\b(?:whenever|sometime|no rush|low priority)\b`)

	meetingPattern  = regexp.MustCompile(`(?i)\b(?:meeting|meet with|call|appointment|conference|interview)\b`)
	deadlinePattern = regexp.MustCompile(`(?i)\b(?:due|deadline|submit|turn in|hand in|grade)\b`)
	errandPattern   = regexp.MustCompile(`(?i)\b(?:buy|pick up|grab|get some|shop(?:ping)? for|order)\b`)

	periodPattern    = regexp.MustCompile(`(?i)\b(?:period|pd)\s*(\d{1,2})\b|\b(\d{1,2})(?:st|nd|rd|th)\s+period\b`)
	checklistPattern = regexp.MustCompile(`(?i)[,:]?\s*\b(?:including|checklist|items?)\b[:\s]+(.+)$`)
	listSplitPattern = regexp.MustCompile(`(?i)\s*,\s*(?:and\s+)?|\s+and\s+`)
	relativePattern  = regexp.MustCompile(`(?i)\b(today|tonight|tomorrow)\b`)
	inDaysPattern    = regexp.MustCompile(`(?i)\bin\s+(\d{1,2})\s+days?\b`)
	weekdayPattern   = regexp.MustCompile(`(?i)\b(?:on\s+|next\s+|this\s+)?(monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)
	timeOfDayPattern = regexp.MustCompile(`(?i)\bat\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm|a\.m\.|p\.m\.)?(?:\s|$|[.,!?])`)

	trailingPunct = regexp.MustCompile(`[\s.,!?;:]+$`)
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// KeywordProcessor extracts reminders with keyword and pattern matching.
// It never calls out of process.
type KeywordProcessor struct {
	now func() time.Time
}

// NewKeywordProcessor creates a processor. A nil now means time.Now.
func NewKeywordProcessor(now func() time.Time) *KeywordProcessor {
	if now == nil {
		now = time.Now
	}
	return &KeywordProcessor{now: now}
}

// Process implements Processor
func (p *KeywordProcessor) Process(ctx context.Context, transcript string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := strings.Join(strings.Fields(transcript), " ")
	if text == "" {
		return Result{}, ErrEmptyTranscript
	}

	var entities []string
	title := leadInPattern.ReplaceAllString(text, "")

	r := Reminder{Priority: PriorityMedium, Category: CategoryTask}

	switch {
	case highPriorityPattern.MatchString(title):
		r.Priority = PriorityHigh
		entities = append(entities, "priority:high")
		title = highPriorityPattern.ReplaceAllString(title, "")
	case lowPriorityPattern.MatchString(title):
		r.Priority = PriorityLow
		entities = append(entities, "priority:low")
		title = lowPriorityPattern.ReplaceAllString(title, "")
	}

	if m := checklistPattern.FindStringSubmatch(title); m != nil {
		for _, item := range listSplitPattern.Split(m[1], -1) {
			item = trailingPunct.ReplaceAllString(strings.TrimSpace(item), "")
			if item != "" {
				r.Checklist = append(r.Checklist, item)
			}
		}
		if len(r.Checklist) > 0 {
			entities = append(entities, fmt.Sprintf("checklist:%d", len(r.Checklist)))
			title = checklistPattern.ReplaceAllString(title, "")
		}
	}

	if m := periodPattern.FindStringSubmatch(title); m != nil {
		n := m[1]
		if n == "" {
			n = m[2]
		}
		r.PeriodID = "period-" + n
		entities = append(entities, "period:"+n)
		title = periodPattern.ReplaceAllString(title, "")
	}

	due, dateEntities, title := p.dueDate(title)
	r.DueDate = due
	entities = append(entities, dateEntities...)

	switch {
	case meetingPattern.MatchString(title):
		r.Category = CategoryMeeting
	case deadlinePattern.MatchString(title):
		r.Category = CategoryDeadline
	case errandPattern.MatchString(title):
		r.Category = CategoryErrand
	}
	if r.Category != CategoryTask {
		entities = append(entities, "category:"+string(r.Category))
	}

	title = trailingPunct.ReplaceAllString(strings.Join(strings.Fields(title), " "), "")
	if title == "" {
		title = text
	}
	r.Title = title

	confidence := 0.6 + 0.08*float64(len(entities))
	if confidence > 0.95 {
		confidence = 0.95
	}

	return Result{Reminder: r, Confidence: confidence, DetectedEntities: entities}, nil
}

// dueDate finds a date and time of day in title and returns the title with
// the matched phrases removed.
func (p *KeywordProcessor) dueDate(title string) (*time.Time, []string, string) {
	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	var (
		entities []string
		day      time.Time
		hasDay   bool
	)

	if m := relativePattern.FindStringSubmatch(title); m != nil {
		word := strings.ToLower(m[1])
		day, hasDay = today, true
		if word == "tomorrow" {
			day = today.AddDate(0, 0, 1)
		}
		entities = append(entities, "date:"+word)
		title = relativePattern.ReplaceAllString(title, "")
	} else if m := inDaysPattern.FindStringSubmatch(title); m != nil {
		n, _ := strconv.Atoi(m[1])
		day, hasDay = today.AddDate(0, 0, n), true
		entities = append(entities, "date:+"+m[1]+"d")
		title = inDaysPattern.ReplaceAllString(title, "")
	} else if m := weekdayPattern.FindStringSubmatch(title); m != nil {
		target := weekdays[strings.ToLower(m[1])]
		days := (int(target) - int(today.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		day, hasDay = today.AddDate(0, 0, days), true
		entities = append(entities, "date:"+strings.ToLower(m[1]))
		title = weekdayPattern.ReplaceAllString(title, "")
	}

	if m := timeOfDayPattern.FindStringSubmatch(title); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		suffix := strings.ReplaceAll(strings.ToLower(m[3]), ".", "")
		switch {
		case suffix == "pm" && hour < 12:
			hour += 12
		case suffix == "am" && hour == 12:
			hour = 0
		case suffix == "" && hour >= 1 && hour <= 6:
			// "at 3" means the afternoon
			hour += 12
		}
		if hour < 24 && minute < 60 {
			if !hasDay {
				day, hasDay = today, true
				if hour < now.Hour() || (hour == now.Hour() && minute <= now.Minute()) {
					day = today.AddDate(0, 0, 1)
				}
			}
			day = day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
			entities = append(entities, fmt.Sprintf("time:%02d:%02d", hour, minute))
			title = timeOfDayPattern.ReplaceAllString(title, " ")
		}
	}

	if !hasDay {
		return nil, entities, title
	}
	return &day, entities, title
}
