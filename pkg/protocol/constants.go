package protocol

// Directory and file constants used throughout opsbrain.
const (
	// HomeDir is the user-level state directory (e.g., ~/.opsbrain).
	HomeDir = ".opsbrain"

	// SocketFile is the dispatcher socket name inside HomeDir.
	SocketFile = "opsbrain.sock"

	// StateDBFile is the SQLite event store inside HomeDir.
	StateDBFile = "state.db"

	// ConfigFile is the default configuration file inside HomeDir.
	ConfigFile = "config.yaml"
)
