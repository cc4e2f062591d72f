package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"newsbot/internal/kit"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

// fakeAdapter records outbound traffic and can be told to fail sends.
type fakeAdapter struct {
	mu       sync.Mutex
	sendErr  error
	texts    []string
	chats    []int64
	docs     []kit.Document
	docChats []int64
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return kit.MessageRef{}, a.sendErr
	}
	a.texts = append(a.texts, text)
	a.chats = append(a.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.texts)}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, id, text string) error { return nil }

func (a *fakeAdapter) SendDocument(ctx context.Context, to kit.ChatTarget, doc kit.Document, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.docs = append(a.docs, doc)
	a.docChats = append(a.docChats, to.ChatID)
	return nil
}

func (a *fakeAdapter) sentTexts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func newTestDispatch(t *testing.T, adapter kit.Adapter) (*Service, *storage.Store) {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "dispatch.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := New(Config{RatePerSec: 1000, GlobalChatID: 42}, adapter, store, logx.Nop())
	return svc, store
}

func relevantItem(guid string) storage.Item {
	return storage.Item{
		GUID:        guid,
		Title:       "Inditex возвращается",
		Summary:     "Подробности сделки",
		Link:        "https://example.com/" + guid,
		PublishedAt: time.Now(),
		IsRelevant:  true,
		MajorCount:  1,
	}
}

func TestTargetResolution(t *testing.T) {
	t.Parallel()
	svc, _ := newTestDispatch(t, &fakeAdapter{})

	tests := []struct {
		scope  string
		chatID int64
		ok     bool
	}{
		{storage.GlobalScope, 42, true},
		{"123456789", 123456789, true},
		{"-100200300", -100200300, true},
		{"not-a-chat", 0, false},
		{"0", 0, false},
	}
	for _, tt := range tests {
		to, ok := svc.Target(tt.scope)
		if ok != tt.ok || to.ChatID != tt.chatID {
			t.Fatalf("Target(%q) = (%d, %v), want (%d, %v)", tt.scope, to.ChatID, ok, tt.chatID, tt.ok)
		}
	}
}

func TestTargetGlobalUnconfigured(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "d.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := New(Config{GlobalChatID: 0}, &fakeAdapter{}, store, logx.Nop())
	if _, ok := svc.Target(storage.GlobalScope); ok {
		t.Fatal("global scope without a chat must have no target")
	}
}

func TestNotifyMarksDispatched(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	svc, store := newTestDispatch(t, adapter)
	ctx := context.Background()

	it := relevantItem("g1")
	if _, err := store.InsertIfNew(ctx, storage.GlobalScope, it); err != nil {
		t.Fatalf("insert: %v", err)
	}

	svc.Notify(ctx, storage.GlobalScope, it)

	if len(adapter.sentTexts()) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(adapter.sentTexts()))
	}
	items, _ := store.QueryWindow(ctx, storage.GlobalScope, storage.WindowAll, 0)
	if items[0].DispatchedAt == nil {
		t.Fatal("successful send must mark the item dispatched")
	}
}

func TestNotifyFailureLeavesItemUndispatched(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{sendErr: errors.New("telegram 502")}
	svc, store := newTestDispatch(t, adapter)
	ctx := context.Background()

	it := relevantItem("g1")
	if _, err := store.InsertIfNew(ctx, storage.GlobalScope, it); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// Must not panic or propagate; the poll cycle continues past it.
	svc.Notify(ctx, storage.GlobalScope, it)

	items, _ := store.QueryWindow(ctx, storage.GlobalScope, storage.WindowAll, 0)
	if items[0].DispatchedAt != nil {
		t.Fatal("failed send must leave the item undispatched")
	}
}

func TestSendDigestEmptyWindow(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	svc, _ := newTestDispatch(t, adapter)
	ctx := context.Background()

	report, err := svc.BuildDigest(ctx, storage.GlobalScope, storage.WindowToday)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if err := svc.SendDigest(ctx, report); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}

	texts := adapter.sentTexts()
	if len(texts) != 1 || !strings.Contains(texts[0], "нет") {
		t.Fatalf("expected a single empty-digest message, got %v", texts)
	}
	if len(adapter.docs) != 0 {
		t.Fatal("empty digest must not attach a document")
	}
}

func TestSendDigestSmallReportInlinesItems(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	svc, store := newTestDispatch(t, adapter)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.InsertIfNew(ctx, storage.GlobalScope, relevantItem(fmt.Sprintf("g%d", i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	report, err := svc.BuildDigest(ctx, storage.GlobalScope, storage.WindowAll)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if err := svc.SendDigest(ctx, report); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}

	if len(adapter.docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(adapter.docs))
	}
	if got := len(adapter.sentTexts()); got != 3 {
		t.Fatalf("expected 3 inline item messages, got %d", got)
	}
}

func TestSendDigestLargeReportDocumentOnly(t *testing.T) {
	t.Parallel()
	adapter := &fakeAdapter{}
	svc, store := newTestDispatch(t, adapter)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := store.InsertIfNew(ctx, storage.GlobalScope, relevantItem(fmt.Sprintf("g%d", i))); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	report, err := svc.BuildDigest(ctx, storage.GlobalScope, storage.WindowAll)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	if err := svc.SendDigest(ctx, report); err != nil {
		t.Fatalf("SendDigest: %v", err)
	}

	if len(adapter.docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(adapter.docs))
	}
	if got := len(adapter.sentTexts()); got != 0 {
		t.Fatalf("large digest must not inline items, got %d messages", got)
	}
}

func TestRenderDocument(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("и", 400)
	report := DigestReport{
		Scope:  storage.GlobalScope,
		Window: storage.WindowWeek,
		Items: []storage.Item{{
			GUID:        "g1",
			Title:       "Заголовок",
			Summary:     long,
			Link:        "https://example.com/1",
			PublishedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
			MajorCount:  1,
			MatchedPatterns: []string{
				"MAJOR: a", "MINOR: b", "MINOR: c", "MINOR: d", "MINOR: e",
			},
		}},
	}

	out := string(RenderDocument(report))
	if !strings.Contains(out, "ДАЙДЖЕСТ НЕДЕЛЯ") {
		t.Fatalf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "30.08.2026 12:00") {
		t.Fatal("missing formatted date")
	}
	if strings.Contains(out, long) {
		t.Fatal("summary must be truncated in the document")
	}
	if !strings.Contains(out, strings.Repeat("и", 300)+"...") {
		t.Fatal("summary truncation must keep 300 runes plus ellipsis")
	}
	if !strings.Contains(out, "и ещё 2") {
		t.Fatal("pattern overflow must be summarized")
	}
}
