package submit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"execbrief.org/internal/chat"
	"execbrief.org/internal/report"
	"execbrief.org/internal/session"
)

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return f.text, f.err
}

type fakeSummarizer struct {
	out   string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, rawText string, today time.Time) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return "<b>Date:</b> today\n\n<b>Progress:</b>\n• " + rawText, nil
}

type fakeFiles struct {
	err   error
	paths []string
}

func (f *fakeFiles) Download(ctx context.Context, fileRef, destPath string) error {
	if f.err != nil {
		return f.err
	}
	f.paths = append(f.paths, destPath)
	return os.WriteFile(destPath, []byte("payload"), 0o600)
}

type fakeReplier struct {
	texts []string
}

func (f *fakeReplier) ReplyText(ctx context.Context, userID int64, body string) error {
	f.texts = append(f.texts, body)
	return nil
}

func (f *fakeReplier) ReplyPhoto(ctx context.Context, userID int64, imagePath, caption string) error {
	return nil
}

func (f *fakeReplier) ShowMenu(ctx context.Context, userID int64, body string, buttons []chat.Button) error {
	return nil
}

func (f *fakeReplier) EditLastMessage(ctx context.Context, userID int64, body string, buttons []chat.Button) error {
	return nil
}

func seedMember(t *testing.T, store *report.InMemory, userID int64) string {
	t.Helper()
	ctx := context.Background()
	org, err := store.CreateOrganization(ctx, "Acme")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertUser(ctx, report.User{ID: userID, Username: "worker"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertMembership(ctx, report.Membership{UserID: userID, OrganizationID: org.ID}); err != nil {
		t.Fatal(err)
	}
	return org.ID
}

func newPipeline(t *testing.T, store *report.InMemory, tr *fakeTranscriber, sm *fakeSummarizer, files *fakeFiles, replier *fakeReplier, mediaDir string) *Pipeline {
	t.Helper()
	p, err := New(store, tr, sm, files, replier, mediaDir)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func awaiting(userID int64) *session.Session {
	return &session.Session{UserID: userID, Mode: session.ModeAwaitingUpdate}
}

func TestIgnoredOutsideAwaitingMode(t *testing.T) {
	store := report.NewInMemory()
	orgID := seedMember(t, store, 7)
	p := newPipeline(t, store, &fakeTranscriber{}, &fakeSummarizer{}, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := &session.Session{UserID: 7}
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindText, Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignore, got %v", res.Outcome)
	}
	updates, _ := store.ListUpdates(context.Background(), orgID, 10)
	if len(updates) != 0 {
		t.Fatal("nothing should be persisted")
	}
}

func TestTextSubmissionStoresAndResetsMode(t *testing.T) {
	store := report.NewInMemory()
	orgID := seedMember(t, store, 7)
	sm := &fakeSummarizer{}
	p := newPipeline(t, store, &fakeTranscriber{}, sm, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Username: "worker", Kind: chat.KindText, Text: "finished the rollout"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("expected stored, got %v", res.Outcome)
	}
	if sess.Mode != session.ModeNone {
		t.Fatal("mode should reset after storing")
	}
	if res.Update.OrganizationID != orgID {
		t.Fatalf("update bound to wrong org: %s", res.Update.OrganizationID)
	}
	if res.Update.OriginalText != "finished the rollout" {
		t.Fatalf("original text not preserved: %q", res.Update.OriginalText)
	}
	if !strings.Contains(res.Update.StructuredText, "finished the rollout") {
		t.Fatalf("structured text missing content: %q", res.Update.StructuredText)
	}
}

func TestDuplicateTextYieldsTwoRows(t *testing.T) {
	store := report.NewInMemory()
	orgID := seedMember(t, store, 7)
	p := newPipeline(t, store, &fakeTranscriber{}, &fakeSummarizer{}, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	for i := 0; i < 2; i++ {
		sess := awaiting(7)
		res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindText, Text: "same update"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != OutcomeStored {
			t.Fatalf("submission %d not stored", i)
		}
	}
	updates, err := store.ListUpdates(context.Background(), orgID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(updates))
	}
}

func TestCaptionBeatsTextAndTranscriptBeatsCaption(t *testing.T) {
	store := report.NewInMemory()
	seedMember(t, store, 7)
	sm := &fakeSummarizer{}
	p := newPipeline(t, store, &fakeTranscriber{text: "from audio"}, sm, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindText, Text: "plain", Caption: "captioned"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Update.OriginalText != "captioned" {
		t.Fatalf("caption should win over text, got %q", res.Update.OriginalText)
	}

	sess = awaiting(7)
	res, err = p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindAudio, FileRef: "f1", FileName: "note.ogg", Caption: "captioned"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Update.OriginalText != "from audio" {
		t.Fatalf("transcript should win over caption, got %q", res.Update.OriginalText)
	}
}

func TestImageOnlyStoresSentinel(t *testing.T) {
	store := report.NewInMemory()
	seedMember(t, store, 7)
	sm := &fakeSummarizer{}
	mediaDir := t.TempDir()
	p := newPipeline(t, store, &fakeTranscriber{}, sm, &fakeFiles{}, &fakeReplier{}, mediaDir)

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindPhoto, FileRef: "photo-1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeStored {
		t.Fatalf("expected stored, got %v", res.Outcome)
	}
	if res.Update.StructuredText != NoTextSentinel {
		t.Fatalf("expected sentinel, got %q", res.Update.StructuredText)
	}
	if res.Update.ImagePath == "" {
		t.Fatal("image path should be recorded")
	}
	if filepath.Dir(res.Update.ImagePath) != mediaDir {
		t.Fatalf("image stored outside media dir: %s", res.Update.ImagePath)
	}
	if sm.calls != 0 {
		t.Fatal("summarizer should not run without text")
	}
}

func TestEmptySubmissionRejectedWithoutStateChange(t *testing.T) {
	store := report.NewInMemory()
	seedMember(t, store, 7)
	p := newPipeline(t, store, &fakeTranscriber{}, &fakeSummarizer{}, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindText, Text: "   "})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %v", res.Outcome)
	}
	if sess.Mode != session.ModeAwaitingUpdate {
		t.Fatal("mode must survive a validation rejection")
	}
}

func TestTranscriptionFailureStoresNothingAndResetsMode(t *testing.T) {
	store := report.NewInMemory()
	orgID := seedMember(t, store, 7)
	replier := &fakeReplier{}
	p := newPipeline(t, store, &fakeTranscriber{err: errors.New("provider down")}, &fakeSummarizer{}, &fakeFiles{}, replier, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindAudio, FileRef: "f1", FileName: "note.mp3"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %v", res.Outcome)
	}
	if sess.Mode != session.ModeNone {
		t.Fatal("mode must reset after a collaborator failure")
	}
	updates, _ := store.ListUpdates(context.Background(), orgID, 10)
	if len(updates) != 0 {
		t.Fatal("no rows may be created on transcription failure")
	}
	found := false
	for _, msg := range replier.texts {
		if strings.Contains(msg, "try again") || strings.Contains(msg, "Please try again") {
			found = true
		}
	}
	if !found {
		t.Fatal("user should get a retryable message")
	}
}

func TestSummarizationFailureStoresNothing(t *testing.T) {
	store := report.NewInMemory()
	orgID := seedMember(t, store, 7)
	p := newPipeline(t, store, &fakeTranscriber{}, &fakeSummarizer{err: errors.New("model overloaded")}, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindText, Text: "report"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %v", res.Outcome)
	}
	if sess.Mode != session.ModeNone {
		t.Fatal("mode must reset after a collaborator failure")
	}
	updates, _ := store.ListUpdates(context.Background(), orgID, 10)
	if len(updates) != 0 {
		t.Fatal("no rows may be created on summarization failure")
	}
}

func TestTempAudioRemovedAfterSuccess(t *testing.T) {
	store := report.NewInMemory()
	seedMember(t, store, 7)
	files := &fakeFiles{}
	p := newPipeline(t, store, &fakeTranscriber{text: "spoke an update"}, &fakeSummarizer{}, files, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	if _, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindAudio, FileRef: "f1", FileName: "note.wav"}); err != nil {
		t.Fatal(err)
	}
	if len(files.paths) != 1 {
		t.Fatalf("expected one download, got %d", len(files.paths))
	}
	if _, err := os.Stat(files.paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp audio should be removed, stat err: %v", err)
	}
}

func TestUnsupportedAudioFormatRejected(t *testing.T) {
	store := report.NewInMemory()
	seedMember(t, store, 7)
	files := &fakeFiles{}
	p := newPipeline(t, store, &fakeTranscriber{text: "never called"}, &fakeSummarizer{}, files, &fakeReplier{}, t.TempDir())

	sess := awaiting(7)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 7, Kind: chat.KindAudio, FileRef: "f1", FileName: "clip.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("expected rejection, got %v", res.Outcome)
	}
	if len(files.paths) != 0 {
		t.Fatal("no download should happen for an unsupported format")
	}
}

func TestNoMembershipIgnored(t *testing.T) {
	store := report.NewInMemory()
	p := newPipeline(t, store, &fakeTranscriber{}, &fakeSummarizer{}, &fakeFiles{}, &fakeReplier{}, t.TempDir())

	sess := awaiting(99)
	res, err := p.Handle(context.Background(), sess, chat.Event{UserID: 99, Kind: chat.KindText, Text: "orphan"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeIgnored {
		t.Fatalf("expected ignore for non-member, got %v", res.Outcome)
	}
}
