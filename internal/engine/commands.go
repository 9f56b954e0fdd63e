package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/store"
)

func (e *Engine) handleCommand(ctx context.Context, cmd chat.SlashCommand) {
	name := strings.ToLower(strings.TrimPrefix(cmd.Name, "/"))
	log.Debug().Str("command", name).Str("user", cmd.UserID).Msg("engine: slash command")

	switch name {
	case "start":
		e.answer(ctx, cmd.CallbackID, "")
		e.startLinking(ctx, cmd.ChannelID, cmd.UserID, cmd.UserName)
	case "help":
		e.answer(ctx, cmd.CallbackID, "")
		e.reply(ctx, cmd.ChannelID, textHelp, chat.Button{Text: buttonIntro, Action: chat.ActionIntroduce})
	case "info":
		e.answer(ctx, cmd.CallbackID, "")
		e.reply(ctx, cmd.ChannelID, textInfo)
	case "specialist":
		e.answer(ctx, cmd.CallbackID, "")
		e.reply(ctx, cmd.ChannelID, e.specialistText(ctx))
	default:
		e.answer(ctx, cmd.CallbackID, fmt.Sprintf(textUnknownCommand, name))
	}
}

// specialistText describes a random user holding the specialist position.
func (e *Engine) specialistText(ctx context.Context) string {
	if e.specialistPosition == "" {
		return textNoSpecialists
	}
	u, err := e.store.RandomUserByPosition(ctx, e.specialistPosition)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Msg("engine: pick specialist")
		}
		return textNoSpecialists
	}
	name := u.DisplayName()
	if name == "" {
		name = unknownName
	}
	email := u.Email
	if email == "" {
		email = "-"
	}
	handle := "-"
	if u.ChatID != "" {
		handle = e.adapter.Mention(u.ChatID)
	}
	return fmt.Sprintf(textSpecialist, name, email, handle)
}
