package cli

const (
	// Name is the name of this program
	Name = "gyro"

	// Version of this program
	Version = "v0.1.0"
)
