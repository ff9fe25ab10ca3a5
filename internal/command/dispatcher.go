// Package command defines the structured commands the model may select
// and dispatches a selected command against the room and thermostat
// layers. The surface is deliberately tiny: get_temperature,
// set_temperature, and create_room, each described by a JSON-schema
// parameter block the LLM consumes verbatim.
package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ember-home/ember/internal/rooms"
	"github.com/ember-home/ember/internal/thermostat"
)

// NoMessage is the sentinel result for a command that completed but has
// nothing to tell the user. The orchestrator substitutes a generic
// acknowledgement.
const NoMessage = ""

// Command is one callable operation.
type Command struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     func(ctx context.Context, owner string, args map[string]any) (string, error)
}

// Registry holds the available commands.
type Registry struct {
	commands map[string]*Command
	order    []string

	resolver *rooms.Resolver
	store    *rooms.Store
	mutator  *thermostat.Mutator
}

// NewRegistry creates the registry with the three built-in commands.
func NewRegistry(resolver *rooms.Resolver, store *rooms.Store, mutator *thermostat.Mutator) *Registry {
	r := &Registry{
		commands: make(map[string]*Command),
		resolver: resolver,
		store:    store,
		mutator:  mutator,
	}
	r.registerBuiltins()
	return r
}

func (r *Registry) registerBuiltins() {
	r.register(&Command{
		Name:        "get_temperature",
		Description: "Get the current temperature of one of the user's rooms.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room": map[string]any{
					"type":        "string",
					"description": "The room name (e.g., kitchen, bedroom)",
				},
			},
			"required": []string{"room"},
		},
		Handler: r.handleGetTemperature,
	})

	r.register(&Command{
		Name:        "set_temperature",
		Description: "Set a room's temperature in degrees Celsius, now or after a delay. Creates the room if it doesn't exist yet.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room": map[string]any{
					"type":        "string",
					"description": "The room name",
				},
				"temperature": map[string]any{
					"type":        "number",
					"description": "Target temperature in °C",
				},
				"delay_minutes": map[string]any{
					"type":        "number",
					"description": "Optional: apply the change this many minutes from now instead of immediately",
				},
			},
			"required": []string{"room", "temperature"},
		},
		Handler: r.handleSetTemperature,
	})

	r.register(&Command{
		Name:        "create_room",
		Description: "Create a new room with the default temperature. A no-op if the room already exists.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"room": map[string]any{
					"type":        "string",
					"description": "The room name",
				},
			},
			"required": []string{"room"},
		},
		Handler: r.handleCreateRoom,
	})
}

func (r *Registry) register(c *Command) {
	r.commands[c.Name] = c
	r.order = append(r.order, c.Name)
}

// Specs returns the command schemas in the tools format the LLM expects.
func (r *Registry) Specs() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        c.Name,
				"description": c.Description,
				"parameters":  c.Parameters,
			},
		})
	}
	return result
}

// Execute runs a command by name for the given owner. Unknown command
// names produce a user-facing message, never an error: a confused model
// must not be able to break the turn. Errors are reserved for malformed
// arguments and are mapped to a reply by the orchestrator.
func (r *Registry) Execute(ctx context.Context, owner, name string, args map[string]any) (string, error) {
	c := r.commands[name]
	if c == nil {
		return fmt.Sprintf("I don't know how to do %q — I can read temperatures, set them, and create rooms.", name), nil
	}
	return c.Handler(ctx, owner, args)
}

// Command handlers

func (r *Registry) handleGetTemperature(_ context.Context, owner string, args map[string]any) (string, error) {
	room, _ := args["room"].(string)
	if room == "" {
		return "", fmt.Errorf("room is required")
	}

	if !r.resolver.Knows(owner, room) {
		return fmt.Sprintf("The room %q doesn't exist yet. Ask me to set its temperature and I'll create it.", room), nil
	}

	temp, err := r.store.Temperature(owner, room)
	if err != nil {
		// Best effort: a broken read still ends in a sentence, not a
		// stack trace. The caller can simply ask again.
		return fmt.Sprintf("I couldn't find any temperature data for %q right now.", room), nil
	}

	return fmt.Sprintf("%s is at %.1f°C", room, temp), nil
}

func (r *Registry) handleSetTemperature(ctx context.Context, owner string, args map[string]any) (string, error) {
	room, _ := args["room"].(string)
	if room == "" {
		return "", fmt.Errorf("room is required")
	}
	temp, ok := args["temperature"].(float64)
	if !ok {
		return "", fmt.Errorf("temperature is required and must be a number")
	}

	var delay time.Duration
	if d, ok := args["delay_minutes"].(float64); ok {
		if d < 0 {
			return "", fmt.Errorf("delay_minutes must not be negative")
		}
		delay = time.Duration(d * float64(time.Minute))
	}

	msg, err := r.mutator.Set(ctx, owner, room, temp, delay)
	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, thermostat.ErrTemperatureOutOfRange):
		return fmt.Sprintf("%.1f°C is outside the range I'll set (%.0f to %.0f°C).",
			temp, thermostat.MinTemperature, thermostat.MaxTemperature), nil
	default:
		return fmt.Sprintf("Sorry, I couldn't update %q right now. Please try again.", room), nil
	}
}

func (r *Registry) handleCreateRoom(_ context.Context, owner string, args map[string]any) (string, error) {
	room, _ := args["room"].(string)
	if room == "" {
		return "", fmt.Errorf("room is required")
	}

	if err := r.resolver.EnsureRoom(owner, room); err != nil {
		return fmt.Sprintf("Sorry, I couldn't create %q right now.", room), nil
	}
	return fmt.Sprintf("Room %q is ready at %.1f°C.", room, rooms.DefaultTemperature), nil
}
