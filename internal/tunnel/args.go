package tunnel

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrNotEnoughArgs = errors.New("not enough arguments, 3 expected: <local_port> <server_base_url> <destination>")
	ErrInvalidPort   = errors.New("invalid local port")
)

// Args are the three positional values the client is started with.
type Args struct {
	LocalPort   uint16
	ServerURL   string
	Destination string
}

// ParseArgs reads <local_port> <server_base_url> <destination>. Only the port
// is validated; a bad URL or destination surfaces when the relay is contacted.
func ParseArgs(tokens []string) (Args, error) {
	if len(tokens) < 3 {
		return Args{}, fmt.Errorf("%w (got %d)", ErrNotEnoughArgs, len(tokens))
	}
	port, err := strconv.ParseUint(tokens[0], 10, 16)
	if err != nil {
		return Args{}, fmt.Errorf("%w %q: %w", ErrInvalidPort, tokens[0], err)
	}
	return Args{
		LocalPort:   uint16(port),
		ServerURL:   tokens[1],
		Destination: tokens[2],
	}, nil
}
