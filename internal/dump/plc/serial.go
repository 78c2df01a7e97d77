package plc

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/efargas/S7-Tools-sub002/internal/model"
)

// dangerousPatterns blocks shell commands that could destroy data when the
// serial setup line is handed to a shell. Plain "dd"-like substrings inside
// stty mode words (e.g. parodd) must stay valid, only command positions are
// blocked.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)rm\s+`),
	regexp.MustCompile(`(?i)del\s+`),
	regexp.MustCompile(`(?i)format\s+`),
	regexp.MustCompile(`(?i)mkfs\s+`),
	regexp.MustCompile(`(?i);\s*dd\s+`),
	regexp.MustCompile(`(?i)&&\s*dd\s+`),
	regexp.MustCompile(`(?i)\|\s*dd\s+`),
	regexp.MustCompile(`(?i)^\s*dd\s+`),
	regexp.MustCompile(`(?i)>\s*/dev/`),
}

// ValidateCommand checks a serial setup command line against the dangerous
// pattern denylist.
func ValidateCommand(command string) error {
	for _, p := range dangerousPatterns {
		if p.MatchString(command) {
			return fmt.Errorf("command blocked by pattern %q: %w", p.String(), model.ErrNotValid)
		}
	}
	return nil
}

// sttyArgs builds the stty argument list that configures the serial device
// for the bootloader link.
func sttyArgs(cfg model.SerialConfig) []string {
	args := []string{
		"-F", cfg.Device,
		"cs" + strconv.Itoa(cfg.CharSize),
		strconv.Itoa(cfg.BaudRate),
		"raw", "-echo",
	}

	switch cfg.Parity {
	case "even":
		args = append(args, "parenb", "-parodd")
	case "odd":
		args = append(args, "parenb", "parodd")
	default:
		args = append(args, "-parenb", "-parodd")
	}

	return args
}
