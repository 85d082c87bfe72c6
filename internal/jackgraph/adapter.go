// Package jackgraph implements the Audio Graph Adapter: a narrow client for
// the audio kernel's port graph, shelling out to its jack_lsp/jack_connect/
// jack_disconnect command-line tools the same way internal/transport shells
// out to the external transport binary. The audio kernel itself is an opaque
// OS-level collaborator; this package never touches audio data.
package jackgraph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Direction mirrors the audio kernel's port direction convention: capture
// ports are outputs of the "system" client, playback ports are inputs.
type Direction string

const (
	DirectionOutput Direction = "output"
	DirectionInput  Direction = "input"
)

// Type is the payload carried by a port.
type Type string

const (
	TypeAudio Type = "audio"
	TypeMIDI  Type = "midi"
)

var (
	ErrInvalidPort           = errors.New("invalid port name")
	ErrIncompatibleDirection = errors.New("incompatible port direction")
	ErrAlreadyConnected      = errors.New("ports already connected")
	ErrNotConnected          = errors.New("ports not connected")
)

// Port is one named endpoint in the audio kernel's graph.
type Port struct {
	Name        string
	Direction   Direction
	Type        Type
	Connections []string
}

// Client groups the ports belonging to one jack client (e.g. "system" or a
// per-room transport client name).
type Client struct {
	Name  string
	Ports []Port
}

// Graph is a point-in-time snapshot of the audio kernel's port graph.
type Graph struct {
	Clients []Client
}

// Adapter is the narrow interface the rest of the hub depends on, so tests
// can substitute a fake kernel without shelling out.
type Adapter interface {
	Snapshot(ctx context.Context) (Graph, error)
	Connect(ctx context.Context, source, dest string) error
	Disconnect(ctx context.Context, source, dest string) error
}

// CommandAdapter drives the real audio kernel via its jack_lsp/jack_connect/
// jack_disconnect command-line tools.
type CommandAdapter struct {
	lsp        string
	connect    string
	disconnect string
}

// NewCommandAdapter constructs an Adapter backed by the named binaries. Empty
// strings fall back to the bare tool name, resolved via PATH.
func NewCommandAdapter(lsp, connect, disconnect string) *CommandAdapter {
	if lsp == "" {
		lsp = "jack_lsp"
	}
	if connect == "" {
		connect = "jack_connect"
	}
	if disconnect == "" {
		disconnect = "jack_disconnect"
	}
	return &CommandAdapter{lsp: lsp, connect: connect, disconnect: disconnect}
}

// Snapshot queries the kernel's current port graph. Cost is bounded by the
// number of ports reported by jack_lsp, and the call never blocks on
// anything other than that one subprocess.
func (a *CommandAdapter) Snapshot(ctx context.Context) (Graph, error) {
	cmd := exec.CommandContext(ctx, a.lsp, "-p", "-t", "-c")
	out, err := cmd.Output()
	if err != nil {
		return Graph{}, fmt.Errorf("jack_lsp: %w", err)
	}
	return parseLsp(out), nil
}

// Connect requests an edge from source to dest. source must be an output
// port, dest an input port.
func (a *CommandAdapter) Connect(ctx context.Context, source, dest string) error {
	if !validPortName(source) || !validPortName(dest) {
		return ErrInvalidPort
	}
	cmd := exec.CommandContext(ctx, a.connect, source, dest)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.ToLower(string(out))
	switch {
	case strings.Contains(msg, "already connected"):
		return ErrAlreadyConnected
	case strings.Contains(msg, "no such"), strings.Contains(msg, "unknown port"):
		return ErrInvalidPort
	case strings.Contains(msg, "incompatible"), strings.Contains(msg, "direction"):
		return ErrIncompatibleDirection
	default:
		return fmt.Errorf("jack_connect %s %s: %w: %s", source, dest, err, strings.TrimSpace(string(out)))
	}
}

// Disconnect removes an edge between source and dest.
func (a *CommandAdapter) Disconnect(ctx context.Context, source, dest string) error {
	if !validPortName(source) || !validPortName(dest) {
		return ErrInvalidPort
	}
	cmd := exec.CommandContext(ctx, a.disconnect, source, dest)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.ToLower(string(out))
	switch {
	case strings.Contains(msg, "not connected"):
		return ErrNotConnected
	case strings.Contains(msg, "no such"), strings.Contains(msg, "unknown port"):
		return ErrInvalidPort
	default:
		return fmt.Errorf("jack_disconnect %s %s: %w: %s", source, dest, err, strings.TrimSpace(string(out)))
	}
}

// validPortName rejects anything that isn't a plain "client:port" token, so
// a caller can never smuggle flags into the subprocess argument list.
func validPortName(name string) bool {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return false
	}
	if strings.HasPrefix(name, "-") {
		return false
	}
	return strings.Contains(name, ":")
}

// parseLsp parses `jack_lsp -p -t -c` output:
//
//	system:capture_1
//	        properties: output,physical,terminal,
//	        connections:
//	                room-1:receive_1
//	system:playback_1
//	        properties: input,physical,terminal,
func parseLsp(out []byte) Graph {
	clients := make(map[string]*Client)
	var order []string

	var cur *Port

	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "\t") || strings.HasPrefix(line, "        "):
			trimmed := strings.TrimSpace(line)
			if cur == nil {
				continue
			}
			switch {
			case strings.HasPrefix(trimmed, "properties:"):
				cur.Direction = directionFromProps(strings.TrimPrefix(trimmed, "properties:"))
			case trimmed == "connections:":
				// header line only, connections follow on subsequent lines
			case strings.Contains(trimmed, "audio") || strings.Contains(trimmed, "midi"):
				cur.Type = typeFromProps(trimmed)
			default:
				cur.Connections = append(cur.Connections, trimmed)
			}
		default:
			name := strings.TrimSpace(line)
			if name == "" {
				continue
			}
			clientName, _, ok := strings.Cut(name, ":")
			if !ok {
				continue
			}
			c, exists := clients[clientName]
			if !exists {
				c = &Client{Name: clientName}
				clients[clientName] = c
				order = append(order, clientName)
			}
			c.Ports = append(c.Ports, Port{Name: name, Type: TypeAudio})
			cur = &c.Ports[len(c.Ports)-1]
		}
	}

	g := Graph{Clients: make([]Client, 0, len(order))}
	for _, name := range order {
		g.Clients = append(g.Clients, *clients[name])
	}
	return g
}

func directionFromProps(props string) Direction {
	if strings.Contains(props, "input") {
		return DirectionInput
	}
	return DirectionOutput
}

func typeFromProps(props string) Type {
	if strings.Contains(props, "midi") {
		return TypeMIDI
	}
	return TypeAudio
}
