package repository

// Disposition describes local state of a mirror directory
type Disposition int

const (
	// New mirror path does not exist
	New Disposition = iota
	// Healthy mirror path is a directory which opens as bare repository
	Healthy
	// Broken mirror path is a directory which is not a valid bare repository
	Broken
	// Invalid mirror path exists but is not a directory
	Invalid
)

func (d Disposition) String() string {
	switch d {
	case New:
		return "new"
	case Healthy:
		return "healthy"
	case Broken:
		return "broken"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}
