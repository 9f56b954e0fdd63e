package engine

import (
	"fmt"
	"strings"

	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/models"
)

// User-facing texts.
const (
	textNewRequest   = "🚨 New support request 🚨"
	textNoResponse   = "⚠️ Nobody answered this request ⚠️"
	textReminder     = "🔔 Reminder #%d"
	textAttention    = "Attention: "
	textStaffReply   = "Staff reply: "
	textReplySent    = "Your reply was sent to Mattermost!"
	textTakenBy      = "Task taken into work, assignee %s"
	textTaken        = "Task taken into work"
	textReleased     = "The task is looking for a new assignee"
	textTakenAnswer  = "You took this request."
	textReleasedAns  = "The request is open again."
	textClosedAnswer = "This request is already closed."
	textUnknownItem  = "This request is no longer tracked."

	buttonOpenPost = "Open in Mattermost"
	buttonOpenDM   = "Open DM in Mattermost"
	buttonTake     = "Take into work"
	buttonTakenBy  = "Taken by %s (press to release)"
	buttonIntro    = "Introduce yourself"

	textWelcome = "Welcome! I am signalbox.\nI keep the support channel in Mattermost and this chat in touch."
	textHelp    = "Available commands:\n" +
		"/start - link your chat account\n" +
		"/help - list commands\n" +
		"/info - how the relay works\n" +
		"/specialist - suggest a random implementation specialist"
	textInfo = "Outside working hours, support requests from Mattermost are posted here.\n\n" +
		"- Press \"" + buttonTake + "\" to claim a request; press again to release it.\n" +
		"- Reply to a notification and your reply is posted to the Mattermost thread.\n" +
		"- Requests nobody answers in time are escalated to the project managers."

	textEmailPrompt    = "📧 Please reply with your corporate email (@%s):"
	textEmailInvalid   = "❌ Please enter a valid email address (@%s)."
	textEmailLinked    = "✅ Linked to %s (%s)."
	textEmailSaved     = "✅ Your email is saved: %s"
	textEmailError     = "❌ Could not save your email. Please try again later."
	textZonePrompt     = "🌏 Please reply with your time zone (%s)"
	textZoneInvalid    = "❌ Unknown time zone. Please use one of: %s"
	textZoneSaved      = "✅ Your time zone is saved: %s"
	textZoneError      = "❌ Could not save your time zone."
	textAlreadyLinked  = "You are linked as %s (%s), time zone %s."
	textNoSpecialists  = "❌ No implementation specialists are known yet."
	textSpecialist     = "Random implementation specialist:\nName: %s\nEmail: %s\nChat: %s"
	textUnknownCommand = "Unknown command /%s.\n\n" + textHelp

	unknownName = "Unknown"
)

// sender describes the Mattermost author of a request.
type sender struct {
	username  string
	firstName string
	lastName  string
	position  string
}

func senderFromUser(u *models.User) sender {
	return sender{username: u.Username, firstName: u.FirstName, lastName: u.LastName, position: u.Position}
}

func (s sender) name() string {
	first, last := s.firstName, s.lastName
	if first == "" && last == "" {
		if s.username != "" {
			return s.username
		}
		return unknownName
	}
	return strings.TrimSpace(first + " " + last)
}

// formatNotification renders the body shared by notifications and
// escalations.
func (e *Engine) formatNotification(header string, req Request, from sender, awake []string) string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\nFrom: ")
	if from.position != "" {
		b.WriteString(from.position)
		b.WriteString(": ")
	}
	if from.username != "" {
		b.WriteString(e.adapter.Link(e.mm.ProfileURL(from.username), from.name()))
	} else {
		b.WriteString(from.name())
	}
	b.WriteString("\n\nMessage: ")
	b.WriteString(req.Text)
	if len(awake) > 0 {
		b.WriteString("\n\n")
		b.WriteString(textAttention)
		b.WriteString(strings.Join(awake, " "))
	}
	return b.String()
}

// linkButtons returns the open-post and open-DM buttons that are available.
func (e *Engine) linkButtons(req Request, from sender) []chat.Button {
	var buttons []chat.Button
	if url, ok := e.mm.PostURL(req.PostID); ok {
		buttons = append(buttons, chat.Button{Text: buttonOpenPost, URL: url})
	}
	if from.username != "" {
		buttons = append(buttons, chat.Button{Text: buttonOpenDM, URL: e.mm.DirectURL(from.username)})
	}
	return buttons
}

// withToggle appends the take-work toggle, labelled for the current state.
func withToggle(links []chat.Button, assigneeName string) []chat.Button {
	out := make([]chat.Button, 0, len(links)+1)
	out = append(out, links...)
	label := buttonTake
	if assigneeName != "" {
		label = fmt.Sprintf(buttonTakenBy, assigneeName)
	}
	return append(out, chat.Button{Text: label, Action: chat.ActionTakeWork})
}

func zoneChoices(names []string) string {
	return strings.Join(names, "/")
}
