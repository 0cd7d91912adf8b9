package lifecycle

// State is the model slot's lifecycle phase.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateEvicting
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}
