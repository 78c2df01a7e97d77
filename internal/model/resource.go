package model

// ResourceKind is the type of physical resource a job needs access to.
type ResourceKind string

const (
	// ResourceKindSerial identifies a serial device (e.g. /dev/ttyUSB0).
	ResourceKindSerial ResourceKind = "serial"
	// ResourceKindTCP identifies a local TCP bridge port.
	ResourceKindTCP ResourceKind = "tcp"
	// ResourceKindModbus identifies a Modbus power controller (host:port).
	ResourceKindModbus ResourceKind = "modbus"
)

// ResourceKey identifies a single physical resource for conflict detection.
// Two keys conflict iff kind and identifier are equal, there is no range or
// overlap detection.
type ResourceKey struct {
	Kind ResourceKind
	ID   string
}

func (r ResourceKey) String() string { return string(r.Kind) + ":" + r.ID }
