// Package onboarding implements the strictly ordered registration
// conversation: first name, surname, organization choice, organization name.
// Name conflicts and missing organizations land in a retry sub-state instead
// of aborting the flow.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"execbrief.org/internal/report"
	"execbrief.org/internal/session"
)

// ResultKind tags the outcome of one conversational step.
type ResultKind int

const (
	// Continue: stay in the machine, next input goes to Result.Next.
	Continue ResultKind = iota
	// Complete: user and membership committed, machine finished.
	Complete
	// Retry: recoverable problem inside ORG_NAME; same step, new guidance.
	Retry
	// Cancelled: flow aborted, nothing persisted.
	Cancelled
)

// Message is one outbound prompt, optionally with reply options.
type Message struct {
	Body    string
	Options []string
}

// Result is the tagged outcome consumed by the router.
type Result struct {
	Kind     ResultKind
	Next     session.Step
	Reason   string
	Messages []Message
	Org      report.Organization // set when Kind == Complete
}

// Recognized ORG_CHOICE labels and ORG_NAME meta-commands.
const (
	labelJoin   = "Join Organization"
	labelCreate = "Create Organization"

	metaJoinExisting = "join existing"
	metaCreateNew    = "create new"
	metaTryAgain     = "try again"
)

var orgChoiceOptions = []string{labelJoin, labelCreate}

// Flow drives the onboarding machine against the durable store.
type Flow struct {
	store report.Store
}

// New constructs a Flow.
func New(store report.Store) (*Flow, error) {
	if store == nil {
		return nil, errors.New("onboarding: store is required")
	}
	return &Flow{store: store}, nil
}

// Begin resets the session's onboarding progress and asks for the first name.
func (f *Flow) Begin(sess *session.Session) Result {
	sess.ClearOnboarding()
	sess.Onboarding.Step = session.StepFirstName
	return Result{
		Kind: Continue,
		Next: session.StepFirstName,
		Messages: []Message{{
			Body: "Welcome! Let's get you set up.\n\nPlease enter your first name:",
		}},
	}
}

// Cancel aborts the flow from any step and discards accumulated fields.
func (f *Flow) Cancel(sess *session.Session) Result {
	sess.ClearOnboarding()
	return Result{
		Kind:     Cancelled,
		Messages: []Message{{Body: "Setup cancelled."}},
	}
}

// Handle advances the machine with one free-text input. The caller holds the
// session lock.
func (f *Flow) Handle(ctx context.Context, sess *session.Session, user report.User, input string) (Result, error) {
	switch sess.Onboarding.Step {
	case session.StepFirstName:
		return f.firstName(sess, input), nil
	case session.StepSurname:
		return f.surname(sess, input), nil
	case session.StepOrgChoice:
		return f.orgChoice(sess, input), nil
	case session.StepOrgName:
		return f.orgName(ctx, sess, user, input)
	default:
		return Result{}, fmt.Errorf("%w: no onboarding in progress", report.ErrValidation)
	}
}

// firstName and surname are free-text captures: trimmed, otherwise accepted
// as-is, including empty input.
func (f *Flow) firstName(sess *session.Session, input string) Result {
	sess.Onboarding.FirstName = strings.TrimSpace(input)
	sess.Onboarding.Step = session.StepSurname
	return Result{
		Kind:     Continue,
		Next:     session.StepSurname,
		Messages: []Message{{Body: "Great! Now enter your surname:"}},
	}
}

func (f *Flow) surname(sess *session.Session, input string) Result {
	sess.Onboarding.Surname = strings.TrimSpace(input)
	sess.Onboarding.Step = session.StepOrgChoice
	return Result{
		Kind: Continue,
		Next: session.StepOrgChoice,
		Messages: []Message{{
			Body:    "Would you like to join an existing organization or create a new one?",
			Options: orgChoiceOptions,
		}},
	}
}

func (f *Flow) orgChoice(sess *session.Session, input string) Result {
	switch strings.TrimSpace(input) {
	case labelJoin:
		sess.Onboarding.Choice = "join"
		sess.Onboarding.Step = session.StepOrgName
		return Result{
			Kind:     Continue,
			Next:     session.StepOrgName,
			Messages: []Message{{Body: "Please enter the name of the organization you want to join:"}},
		}
	case labelCreate:
		sess.Onboarding.Choice = "create"
		sess.Onboarding.Step = session.StepOrgName
		return Result{
			Kind:     Continue,
			Next:     session.StepOrgName,
			Messages: []Message{{Body: "Great! Please enter the name of your new organization:"}},
		}
	default:
		// Unrecognized label: self-loop in the same step.
		return Result{
			Kind: Continue,
			Next: session.StepOrgChoice,
			Messages: []Message{{
				Body:    "Please pick one of the options.",
				Options: orgChoiceOptions,
			}},
		}
	}
}

func (f *Flow) orgName(ctx context.Context, sess *session.Session, user report.User, input string) (Result, error) {
	name := strings.TrimSpace(input)

	// Meta-commands redirect the stored choice without re-traversing
	// ORG_CHOICE.
	switch {
	case hasFold(name, metaJoinExisting):
		sess.Onboarding.Choice = "join"
		return retry("switch to join", "Great! Please enter the name of the organization you'd like to join:", nil), nil
	case hasFold(name, metaCreateNew):
		sess.Onboarding.Choice = "create"
		return retry("switch to create", "Please enter a new unique name for your organization:", nil), nil
	case hasFold(name, metaTryAgain):
		return retry("retry name", "Please re-enter the organization name:", nil), nil
	}

	profile := report.User{
		ID:        user.ID,
		Username:  user.Username,
		FirstName: sess.Onboarding.FirstName,
		Surname:   sess.Onboarding.Surname,
	}

	switch sess.Onboarding.Choice {
	case "create":
		org, err := f.store.FoundOrganization(ctx, name, profile)
		if errors.Is(err, report.ErrConflict) {
			return retry(
				"name taken",
				fmt.Sprintf("The organization %q already exists.\nWould you like to join it instead or create a different one?", name),
				[]string{"Join Existing Organization", "Create New Organization", "Try Again"},
			), nil
		}
		if errors.Is(err, report.ErrValidation) {
			return retry("invalid name", "Organization name can't be empty. Please enter a name:", nil), nil
		}
		if err != nil {
			return Result{}, err
		}
		return f.complete(sess, org, fmt.Sprintf("Organization %q created successfully!", org.Name)), nil

	case "join":
		org, err := f.store.GetOrganizationByName(ctx, name)
		if errors.Is(err, report.ErrNotFound) {
			return retry(
				"org missing",
				"Organization not found. Please check the name or create a new one.",
				[]string{"Try Again", "Create New Organization"},
			), nil
		}
		if err != nil {
			return Result{}, err
		}
		if err := f.store.UpsertUser(ctx, profile); err != nil {
			return Result{}, err
		}
		if err := f.store.UpsertMembership(ctx, report.Membership{
			UserID:         user.ID,
			OrganizationID: org.ID,
		}); err != nil {
			return Result{}, err
		}
		greeting := sess.Onboarding.FirstName
		if greeting == "" {
			greeting = user.Username
		}
		return f.complete(sess, org, fmt.Sprintf("Welcome %s! You've joined %s.", greeting, org.Name)), nil

	default:
		return Result{}, fmt.Errorf("%w: organization choice missing", report.ErrValidation)
	}
}

func (f *Flow) complete(sess *session.Session, org report.Organization, body string) Result {
	sess.ClearOnboarding()
	return Result{
		Kind:     Complete,
		Org:      org,
		Messages: []Message{{Body: body}},
	}
}

func retry(reason, body string, options []string) Result {
	return Result{
		Kind:     Retry,
		Next:     session.StepOrgName,
		Reason:   reason,
		Messages: []Message{{Body: body, Options: options}},
	}
}

func hasFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return strings.EqualFold(s[:len(prefix)], prefix)
}
