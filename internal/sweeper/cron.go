package sweeper

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер расписаний: пять полей или дескриптор (@every 15s, @hourly).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule проверяет расписание sweeper.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}
