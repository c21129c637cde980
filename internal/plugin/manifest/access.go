package manifest

// Access is the level a permission grants. Levels are ordered read < write < admin.
type Access string

// Access levels.
const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
	AccessAdmin Access = "admin"
)

// Level returns the numeric rank of the access level, or 0 if unknown.
func (a Access) Level() int {
	switch a {
	case AccessRead:
		return 1
	case AccessWrite:
		return 2
	case AccessAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether a is a known level.
func (a Access) Valid() bool {
	return a.Level() > 0
}

// Covers reports whether a grants at least the requested level.
func (a Access) Covers(requested Access) bool {
	return a.Valid() && requested.Valid() && a.Level() >= requested.Level()
}
