// Package submit captures one work update (text, voice, or image with
// caption), runs it through transcription and summarization, and persists a
// single immutable update row. Nothing is persisted when a collaborator
// fails: partial records are worse than asking the user to retry.
package submit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/obs"
	"execbrief.org/internal/report"
	"execbrief.org/internal/session"
	"execbrief.org/internal/summarize"
	"execbrief.org/internal/transcribe"
)

// NoTextSentinel is stored as the structured text when only an image was
// submitted.
const NoTextSentinel = "[No text provided]"

// Outcome classifies what the pipeline did with an event.
type Outcome int

const (
	// OutcomeIgnored: out-of-band input, no pending submission. Not an error.
	OutcomeIgnored Outcome = iota
	// OutcomeStored: an update row was persisted and confirmed.
	OutcomeStored
	// OutcomeRejected: validation problem; user re-prompted, mode kept.
	OutcomeRejected
	// OutcomeFailed: collaborator or store failure; mode cleared.
	OutcomeFailed
)

// Result reports the pipeline outcome to the router.
type Result struct {
	Outcome Outcome
	Update  report.Update
}

// Pipeline wires the collaborators for the submission flow.
type Pipeline struct {
	store       report.Store
	transcriber transcribe.Transcriber
	summarizer  summarize.Summarizer
	files       chat.Files
	replier     chat.Replier
	mediaDir    string
	now         func() time.Time
}

// New constructs a Pipeline.
func New(store report.Store, tr transcribe.Transcriber, sm summarize.Summarizer, files chat.Files, replier chat.Replier, mediaDir string) (*Pipeline, error) {
	if store == nil || tr == nil || sm == nil || files == nil || replier == nil {
		return nil, errors.New("submit: all collaborators are required")
	}
	return &Pipeline{
		store:       store,
		transcriber: tr,
		summarizer:  sm,
		files:       files,
		replier:     replier,
		mediaDir:    mediaDir,
		now:         time.Now,
	}, nil
}

// WithClock overrides the time source. Test helper.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	if now != nil {
		p.now = now
	}
	return p
}

// Handle processes one inbound message event. The caller holds the session
// lock. Events arriving outside awaiting-update mode are silently ignored.
func (p *Pipeline) Handle(ctx context.Context, sess *session.Session, ev chat.Event) (Result, error) {
	if sess.Mode != session.ModeAwaitingUpdate {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	memberships, err := p.store.ListMemberships(ctx, ev.UserID)
	if err != nil {
		return p.fail(ctx, sess, err)
	}
	if len(memberships) == 0 {
		// No organization context: out-of-band, same as an unknown sender.
		_ = p.replier.ReplyText(ctx, ev.UserID, "You are not registered under any organization.")
		return Result{Outcome: OutcomeIgnored}, nil
	}
	orgID := memberships[0].OrganizationID

	if ev.Kind == chat.KindAudio {
		return p.handleAudio(ctx, sess, ev, orgID)
	}
	return p.handleMessage(ctx, sess, ev, orgID, "")
}

// handleAudio downloads the voice payload to a scoped temp file, transcribes
// it, and feeds the transcript through the text path. The temp file is
// removed on every exit path.
func (p *Pipeline) handleAudio(ctx context.Context, sess *session.Session, ev chat.Event, orgID string) (Result, error) {
	name := ev.FileName
	if name == "" {
		name = "voice.ogg"
	}
	if !transcribe.IsSupportedFormat(name) {
		_ = p.replier.ReplyText(ctx, ev.UserID, "That audio format isn't supported. Please send mp3, wav, m4a, flac, ogg, or webm.")
		return Result{Outcome: OutcomeRejected}, nil
	}

	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("audio_%d_%s%s", ev.UserID, uuid.NewString(), filepath.Ext(name)))
	defer func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			obs.LogEvent(map[string]any{"level": "warn", "msg": "temp audio cleanup failed", "path": tmpPath, "err": err.Error()})
		}
	}()

	if err := p.files.Download(ctx, ev.FileRef, tmpPath); err != nil {
		_ = p.replier.ReplyText(ctx, ev.UserID, "Failed to download your audio. Please try again.")
		return Result{Outcome: OutcomeRejected}, nil
	}

	_ = p.replier.ReplyText(ctx, ev.UserID, "Processing your audio...")

	transcript, err := p.transcriber.Transcribe(ctx, tmpPath)
	if err != nil {
		sess.ClearMode()
		_ = p.replier.ReplyText(ctx, ev.UserID, "An error occurred while processing your audio. Please try again.")
		obs.ObserveEvent(string(ev.Kind), "collaborator_failure")
		return Result{Outcome: OutcomeFailed}, nil
	}
	if strings.TrimSpace(transcript) == "" {
		sess.ClearMode()
		_ = p.replier.ReplyText(ctx, ev.UserID, "I couldn't understand that audio. Please try again.")
		return Result{Outcome: OutcomeFailed}, nil
	}
	return p.handleMessage(ctx, sess, ev, orgID, transcript)
}

// handleMessage runs the text/image path. overrideText carries a completed
// transcript and takes precedence over caption and plain text.
func (p *Pipeline) handleMessage(ctx context.Context, sess *session.Session, ev chat.Event, orgID, overrideText string) (Result, error) {
	var imagePath string
	if ev.Kind == chat.KindPhoto && ev.FileRef != "" {
		path := filepath.Join(p.mediaDir, fmt.Sprintf("%d_%d.jpg", ev.UserID, p.now().UnixNano()))
		if err := p.files.Download(ctx, ev.FileRef, path); err != nil {
			_ = p.replier.ReplyText(ctx, ev.UserID, "Failed to download your image. Please try again.")
			return Result{Outcome: OutcomeRejected}, nil
		}
		imagePath = path
	}

	// Exactly one text source per submission.
	text := overrideText
	if text == "" {
		text = ev.Caption
	}
	if text == "" {
		text = ev.Text
	}

	if strings.TrimSpace(text) == "" && imagePath == "" {
		_ = p.replier.ReplyText(ctx, ev.UserID, "Please send some text, audio, or an image with a caption.")
		return Result{Outcome: OutcomeRejected}, nil
	}

	structured := NoTextSentinel
	if strings.TrimSpace(text) != "" {
		var err error
		structured, err = p.summarizer.Summarize(ctx, text, p.now())
		if err != nil {
			sess.ClearMode()
			p.removeOrphan(imagePath)
			_ = p.replier.ReplyText(ctx, ev.UserID, "Something went wrong while structuring your update. Please try again.")
			obs.ObserveEvent(string(ev.Kind), "collaborator_failure")
			return Result{Outcome: OutcomeFailed}, nil
		}
	}

	saved, err := p.store.SaveUpdate(ctx, report.Update{
		UserID:         ev.UserID,
		Username:       ev.Username,
		OrganizationID: orgID,
		OriginalText:   text,
		StructuredText: structured,
		ImagePath:      imagePath,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		p.removeOrphan(imagePath)
		return p.fail(ctx, sess, err)
	}

	sess.ClearMode()
	obs.ObserveUpdateStored()
	obs.ObserveEvent(string(ev.Kind), "stored")
	_ = p.replier.ReplyText(ctx, ev.UserID, "Here's your structured update:\n\n"+structured)
	return Result{Outcome: OutcomeStored, Update: saved}, nil
}

func (p *Pipeline) fail(ctx context.Context, sess *session.Session, err error) (Result, error) {
	sess.ClearMode()
	_ = p.replier.ReplyText(ctx, sess.UserID, "Something went wrong. Please try again.")
	return Result{Outcome: OutcomeFailed}, err
}

// removeOrphan deletes a downloaded image whose update row never made it to
// the store. Best effort.
func (p *Pipeline) removeOrphan(imagePath string) {
	if imagePath == "" {
		return
	}
	if err := os.Remove(imagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		obs.LogEvent(map[string]any{"level": "warn", "msg": "orphan image cleanup failed", "path": imagePath, "err": err.Error()})
	}
}
