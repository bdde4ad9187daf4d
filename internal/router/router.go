// Package router dispatches inbound chat events to the onboarding flow, the
// submission pipeline, retrieval, and maintenance commands. One user's events
// are handled strictly in order under the session lock; different users run
// concurrently.
package router

import (
	"context"
	"errors"
	"fmt"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/devcmd"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/onboarding"
	"execbrief.org/internal/report"
	"execbrief.org/internal/roles"
	"execbrief.org/internal/session"
	"execbrief.org/internal/submit"
	"execbrief.org/internal/updates"
)

// Menu button actions.
const (
	ActionSubmitUpdate = "submit_update"
	ActionGetUpdates   = "get_updates"
	ActionMoreOptions  = "more_options"
	ActionClearUpdates = "clear_updates"
	ActionConfirmClear = "confirm_clear"
	ActionCancelClear  = "cancel_clear"
	ActionBackToMenu   = "back_to_menu"
	ActionCancel       = "cancel"
)

// Router owns per-user dispatch.
type Router struct {
	store    report.Store
	roles    *roles.Service
	sessions *session.Manager
	flow     *onboarding.Flow
	pipeline *submit.Pipeline
	updates  *updates.Service
	dev      *devcmd.Handler
	replier  chat.Replier
}

// New constructs a Router.
func New(store report.Store, rs *roles.Service, sessions *session.Manager, flow *onboarding.Flow, pipeline *submit.Pipeline, upd *updates.Service, dev *devcmd.Handler, replier chat.Replier) (*Router, error) {
	if store == nil || rs == nil || sessions == nil || flow == nil || pipeline == nil || upd == nil || dev == nil || replier == nil {
		return nil, errors.New("router: all collaborators are required")
	}
	return &Router{
		store:    store,
		roles:    rs,
		sessions: sessions,
		flow:     flow,
		pipeline: pipeline,
		updates:  upd,
		dev:      dev,
		replier:  replier,
	}, nil
}

// Dispatch routes one event. It blocks while an earlier event from the same
// user is still being handled.
func (r *Router) Dispatch(ctx context.Context, ev chat.Event) error {
	sess := r.sessions.Get(ev.UserID)
	sess.Lock()
	defer sess.Unlock()

	err := r.dispatch(ctx, sess, ev)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		obs.LogEvent(map[string]any{
			"level":   "error",
			"msg":     "dispatch failed",
			"user_id": ev.UserID,
			"kind":    string(ev.Kind),
			"err":     err.Error(),
		})
	}
	obs.ObserveEvent(string(ev.Kind), outcome)
	return err
}

func (r *Router) dispatch(ctx context.Context, sess *session.Session, ev chat.Event) error {
	switch ev.Kind {
	case chat.KindCommand:
		return r.command(ctx, sess, ev)
	case chat.KindButton:
		return r.button(ctx, sess, ev)
	case chat.KindText, chat.KindPhoto, chat.KindAudio:
		return r.message(ctx, sess, ev)
	default:
		return fmt.Errorf("%w: unknown event kind %q", report.ErrValidation, ev.Kind)
	}
}

func (r *Router) command(ctx context.Context, sess *session.Session, ev chat.Event) error {
	switch {
	case ev.Command == "start":
		return r.start(ctx, sess, ev)
	case ev.Command == "cancel":
		return r.cancel(ctx, sess, ev)
	case devcmd.Handles(ev.Command):
		return r.dev.Handle(ctx, ev)
	default:
		_ = r.replier.ReplyText(ctx, ev.UserID, "Unknown command. Send /start to begin.")
		return nil
	}
}

// start splits new users into onboarding and returning users into the main
// menu. A returning visit is recorded before anything else.
func (r *Router) start(ctx context.Context, sess *session.Session, ev chat.Event) error {
	u, err := r.store.GetUser(ctx, ev.UserID)
	if errors.Is(err, report.ErrNotFound) {
		res := r.flow.Begin(sess)
		return r.send(ctx, ev.UserID, res.Messages)
	}
	if err != nil {
		return err
	}

	if err := r.store.RecordVisit(ctx, ev.UserID); err != nil {
		return err
	}
	sess.ClearMode()
	sess.ClearOnboarding()

	greeting := u.FirstName
	if greeting == "" {
		greeting = u.Username
	}
	body := fmt.Sprintf("Welcome back, %s!", greeting)
	if ms, err := r.store.ListMemberships(ctx, ev.UserID); err == nil && len(ms) > 0 {
		if org, err := r.store.GetOrganization(ctx, ms[0].OrganizationID); err == nil {
			body = fmt.Sprintf("Welcome back, %s (%s)!", greeting, org.Name)
		}
	}
	return r.showMainMenu(ctx, ev.UserID, body+" What would you like to do?")
}

// cancel aborts whatever conversational state is pending.
func (r *Router) cancel(ctx context.Context, sess *session.Session, ev chat.Event) error {
	if sess.Onboarding.Step != session.StepNone {
		res := r.flow.Cancel(sess)
		return r.send(ctx, ev.UserID, res.Messages)
	}
	if sess.Mode == session.ModeAwaitingUpdate {
		sess.ClearMode()
		return r.showMainMenu(ctx, ev.UserID, "Submission cancelled. What would you like to do?")
	}
	_ = r.replier.ReplyText(ctx, ev.UserID, "Nothing to cancel.")
	return nil
}

func (r *Router) button(ctx context.Context, sess *session.Session, ev chat.Event) error {
	// Onboarding option buttons carry their label as the action and feed the
	// flow as plain input.
	if sess.Onboarding.Step != session.StepNone {
		return r.onboardingInput(ctx, sess, ev, ev.Action)
	}

	switch ev.Action {
	case ActionSubmitUpdate:
		sess.Mode = session.ModeAwaitingUpdate
		_ = r.replier.ReplyText(ctx, ev.UserID, "Send your update as text, a voice note, or a photo with a caption. Send /cancel to abort.")
		return nil

	case ActionGetUpdates:
		err := r.updates.Fetch(ctx, ev.UserID)
		if errors.Is(err, report.ErrUnauthorized) {
			return nil // user already notified
		}
		return err

	case ActionMoreOptions:
		return r.replier.EditLastMessage(ctx, ev.UserID, "More options:", []chat.Button{
			{Label: "Clear All Updates", Action: ActionClearUpdates},
			{Label: "Back", Action: ActionBackToMenu},
		})

	case ActionClearUpdates:
		// Destructive: always a separate confirmation step.
		return r.replier.EditLastMessage(ctx, ev.UserID, "This permanently deletes every update in your organizations. Are you sure?", []chat.Button{
			{Label: "Yes, delete everything", Action: ActionConfirmClear},
			{Label: "No, keep them", Action: ActionCancelClear},
		})

	case ActionConfirmClear:
		sum, err := r.updates.Purge(ctx, ev.UserID)
		if errors.Is(err, report.ErrUnauthorized) {
			_ = r.replier.ReplyText(ctx, ev.UserID, "You don't have permission to do that.")
			return nil
		}
		if err != nil {
			_ = r.replier.ReplyText(ctx, ev.UserID, "Purge failed. Nothing may have been deleted.")
			return err
		}
		return r.showMainMenu(ctx, ev.UserID, fmt.Sprintf("Deleted %d updates (%d images removed).", sum.RowsDeleted, sum.ImagesDeleted))

	case ActionCancelClear, ActionBackToMenu:
		return r.showMainMenu(ctx, ev.UserID, "What would you like to do?")

	case ActionCancel:
		return r.cancel(ctx, sess, ev)

	default:
		// Stale buttons from older menus are ignored rather than errored.
		return nil
	}
}

func (r *Router) message(ctx context.Context, sess *session.Session, ev chat.Event) error {
	if sess.Onboarding.Step != session.StepNone {
		return r.onboardingInput(ctx, sess, ev, ev.Text)
	}

	res, err := r.pipeline.Handle(ctx, sess, ev)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case submit.OutcomeStored, submit.OutcomeFailed:
		return r.showMainMenu(ctx, ev.UserID, "What would you like to do next?")
	case submit.OutcomeIgnored:
		if ev.Kind == chat.KindText {
			_ = r.replier.ReplyText(ctx, ev.UserID, "Use the menu to get started, or send /start.")
		}
	}
	return nil
}

func (r *Router) onboardingInput(ctx context.Context, sess *session.Session, ev chat.Event, input string) error {
	res, err := r.flow.Handle(ctx, sess, report.User{ID: ev.UserID, Username: ev.Username}, input)
	if err != nil {
		return err
	}
	if err := r.send(ctx, ev.UserID, res.Messages); err != nil {
		return err
	}
	if res.Kind == onboarding.Complete {
		r.roles.InvalidateUser(ev.UserID)
		return r.showMainMenu(ctx, ev.UserID, "What would you like to do?")
	}
	return nil
}

// showMainMenu renders the menu shaped by the caller's aggregate role.
func (r *Router) showMainMenu(ctx context.Context, userID int64, body string) error {
	snapshot, err := r.roles.Get(ctx, userID, "")
	if err != nil {
		return err
	}
	if snapshot.None {
		_ = r.replier.ReplyText(ctx, userID, "You are not registered yet. Send /start to begin.")
		return nil
	}

	buttons := []chat.Button{{Label: "Submit Update", Action: ActionSubmitUpdate}}
	if snapshot.Admin || snapshot.Executive {
		buttons = append(buttons, chat.Button{Label: "Get Updates", Action: ActionGetUpdates})
	}
	if snapshot.Admin {
		buttons = append(buttons, chat.Button{Label: "More Options", Action: ActionMoreOptions})
	}
	return r.replier.ShowMenu(ctx, userID, body, buttons)
}

// send delivers flow messages, rendering option lists as button menus.
func (r *Router) send(ctx context.Context, userID int64, msgs []onboarding.Message) error {
	for _, m := range msgs {
		if len(m.Options) == 0 {
			if err := r.replier.ReplyText(ctx, userID, m.Body); err != nil {
				return err
			}
			continue
		}
		buttons := make([]chat.Button, 0, len(m.Options))
		for _, opt := range m.Options {
			buttons = append(buttons, chat.Button{Label: opt, Action: opt})
		}
		if err := r.replier.ShowMenu(ctx, userID, m.Body, buttons); err != nil {
			return err
		}
	}
	return nil
}
