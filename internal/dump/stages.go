package dump

import "strings"

// Known dump stages, in execution order.
const (
	StageValidatingConfiguration = "validating_configuration"
	StageConfiguringSerialPort   = "configuring_serial_port"
	StageStartingTCPBridge       = "starting_tcp_bridge"
	StagePowerCyclingPLC         = "power_cycling_plc"
	StageEnteringBootloader      = "entering_bootloader"
	StageReadingMemory           = "reading_memory"
	StageWritingDumpFile         = "writing_dump_file"
)

var stageLabels = map[string]string{
	StageValidatingConfiguration: "Validating configuration",
	StageConfiguringSerialPort:   "Configuring serial port",
	StageStartingTCPBridge:       "Starting TCP bridge",
	StagePowerCyclingPLC:         "Power cycling PLC",
	StageEnteringBootloader:      "Entering bootloader",
	StageReadingMemory:           "Reading memory",
	StageWritingDumpFile:         "Writing dump file",
}

// StageLabel maps a stage name to its user facing label. Unknown stage names
// pass through with underscores converted to spaces. Pure function, no side
// effects.
func StageLabel(stage string) string {
	if label, ok := stageLabels[stage]; ok {
		return label
	}
	return strings.ReplaceAll(stage, "_", " ")
}
