package scheduler

import (
	"fmt"
	"strings"

	"github.com/runflow/controlplane/internal/types"
)

// RunEveryUnit is the structured schedule form's recurrence unit.
type RunEveryUnit string

const (
	UnitMinutes RunEveryUnit = "MINUTES"
	UnitHours   RunEveryUnit = "HOURS"
	UnitDays    RunEveryUnit = "DAYS"
	UnitWeeks   RunEveryUnit = "WEEKS"
	UnitMonths  RunEveryUnit = "MONTHS"
)

var weekdayIndex = map[string]int{
	"SUNDAY":    0,
	"MONDAY":    1,
	"TUESDAY":   2,
	"WEDNESDAY": 3,
	"THURSDAY":  4,
	"FRIDAY":    5,
	"SATURDAY":  6,
}

// StructuredSchedule is the UI-facing recurrence form the REST layer
// accepts; BuildCronExpr turns it into a standard 5-field cron string.
type StructuredSchedule struct {
	RunEvery     int
	RunEveryUnit RunEveryUnit
	StartFrom    string // weekday name, used by WEEKS and MONTHS
	DayOfMonth   int    // used by MONTHS
	AtTimeHour   int
	AtTimeMinute int
}

// BuildCronExpr renders a StructuredSchedule into the 5-field cron
// expression robfig/cron expects, following SPEC_FULL §6's rules.
func BuildCronExpr(s StructuredSchedule) (string, error) {
	if s.RunEvery <= 0 {
		return "", types.Classify(types.KindValidation, "runEvery must be positive", types.ErrInvalidRequest)
	}

	switch s.RunEveryUnit {
	case UnitMinutes:
		return fmt.Sprintf("*/%d * * * *", s.RunEvery), nil

	case UnitHours:
		return fmt.Sprintf("%d */%d * * *", s.AtTimeMinute, s.RunEvery), nil

	case UnitDays:
		return fmt.Sprintf("%d %d */%d * *", s.AtTimeMinute, s.AtTimeHour, s.RunEvery), nil

	case UnitWeeks:
		dayIndex, err := weekday(s.StartFrom)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %d", s.AtTimeMinute, s.AtTimeHour, dayIndex), nil

	case UnitMonths:
		expr := fmt.Sprintf("%d %d %d */%d *", s.AtTimeMinute, s.AtTimeHour, s.DayOfMonth, s.RunEvery)
		if strings.ToUpper(s.StartFrom) != "SUNDAY" && s.StartFrom != "" {
			dayIndex, err := weekday(s.StartFrom)
			if err != nil {
				return "", err
			}
			expr = fmt.Sprintf("%d %d %d */%d %d", s.AtTimeMinute, s.AtTimeHour, s.DayOfMonth, s.RunEvery, dayIndex)
		}
		return expr, nil

	default:
		return "", types.Classify(types.KindValidation, "unknown runEveryUnit: "+string(s.RunEveryUnit), types.ErrInvalidRequest)
	}
}

func weekday(name string) (int, error) {
	idx, ok := weekdayIndex[strings.ToUpper(name)]
	if !ok {
		return 0, types.Classify(types.KindValidation, "unknown weekday: "+name, types.ErrInvalidRequest)
	}
	return idx, nil
}
