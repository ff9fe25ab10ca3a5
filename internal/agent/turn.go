// Package agent is the conversation orchestrator: it turns one free-text
// message from an authenticated owner into one reply string. The model
// either answers in plain text (passed through unchanged) or selects
// exactly one structured command, which is dispatched against the room
// and thermostat layers. Every failure path ends in a sentence for the
// user; nothing below this package leaks out as a fault.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ember-home/ember/internal/command"
	"github.com/ember-home/ember/internal/history"
	"github.com/ember-home/ember/internal/llm"
	"github.com/ember-home/ember/internal/rooms"
)

const apology = "Sorry, I'm having trouble thinking right now. Please try again in a moment."

// Orchestrator handles chat turns.
type Orchestrator struct {
	logger   *slog.Logger
	client   llm.Client
	commands *command.Registry
	resolver *rooms.Resolver
	history  *history.Store
	timeout  time.Duration
}

// New creates an orchestrator. The timeout bounds the LLM call for a
// single turn; zero means a 60 second default.
func New(logger *slog.Logger, client llm.Client, commands *command.Registry, resolver *rooms.Resolver, hist *history.Store, timeout time.Duration) *Orchestrator {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Orchestrator{
		logger:   logger,
		client:   client,
		commands: commands,
		resolver: resolver,
		history:  hist,
		timeout:  timeout,
	}
}

// HandleTurn processes one message for an owner and always returns a
// reply. The turn is logged to history; a history failure is logged but
// never fails the turn.
func (o *Orchestrator) HandleTurn(ctx context.Context, owner, text string) string {
	reply := o.reply(ctx, owner, text)

	if err := o.history.Append(owner, text, reply); err != nil {
		o.logger.Warn("chat turn not logged", "owner", owner, "error", err)
	}
	return reply
}

func (o *Orchestrator) reply(ctx context.Context, owner, text string) string {
	messages := []llm.Message{
		{Role: "system", Content: o.systemPrompt(owner)},
		{Role: "user", Content: text},
	}

	llmCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.Chat(llmCtx, messages, o.commands.Specs())
	if err != nil {
		// Full detail stays in the logs; the user gets an apology.
		o.logger.Error("llm call failed", "owner", owner, "error", err)
		return apology
	}

	if len(resp.Message.ToolCalls) == 0 {
		// Conversational reply, passed through unchanged.
		return resp.Message.Content
	}

	call := resp.Message.ToolCalls[0]
	o.logger.Info("structured command selected",
		"owner", owner, "command", call.Function.Name)

	msg, err := o.commands.Execute(ctx, owner, call.Function.Name, call.Function.Arguments)
	if err != nil {
		// Malformed arguments from the model: a validation problem, not
		// a fault. Tell the user what was missing and finish the turn.
		o.logger.Warn("command rejected",
			"owner", owner, "command", call.Function.Name, "error", err)
		return fmt.Sprintf("I couldn't do that: %v.", err)
	}
	if msg == command.NoMessage {
		return "Done."
	}
	return msg
}

// systemPrompt enumerates the owner's rooms so the model can ground room
// references without a lookup round-trip. The room list is advisory; the
// dispatcher re-checks existence before acting.
func (o *Orchestrator) systemPrompt(owner string) string {
	var b strings.Builder
	b.WriteString("You are Ember, a home temperature assistant. ")
	b.WriteString("You manage the temperature of the user's rooms in degrees Celsius. ")
	b.WriteString("Use the provided functions to read or change temperatures and to create rooms. ")
	b.WriteString("Use at most one function per message. ")
	b.WriteString("For anything unrelated to home temperatures, answer briefly in plain text.\n\n")

	names := o.resolver.RoomsFor(owner)
	if len(names) == 0 {
		b.WriteString("The user has no rooms yet.")
	} else {
		b.WriteString("The user's rooms: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString(".")
	}
	return b.String()
}
