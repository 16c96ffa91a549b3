package history

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestRevisionLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	first, err := svc.Commit("doc-1", "<p>The party shall pay.</p>", "Create document")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if len(first.Hash) != 7 {
		t.Fatalf("expected short hash, got %q", first.Hash)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1", contentFile)); err != nil {
		t.Fatalf("content file missing: %v", err)
	}

	second, err := svc.Commit("doc-1", "<p>The party pays.</p>", "Accept tracked change")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	revisions, err := svc.History("doc-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 2 || revisions[0].Hash != second.Hash || revisions[1].Hash != first.Hash {
		t.Fatalf("unexpected history %+v", revisions)
	}

	content, rev, err := svc.ContentAt("doc-1", first.Hash)
	if err != nil {
		t.Fatalf("ContentAt() error = %v", err)
	}
	if content != "<p>The party shall pay.</p>" || rev.Message != "Create document" {
		t.Fatalf("ContentAt() = %q, %+v", content, rev)
	}
}

func TestCommitUnchangedContentKeepsHead(t *testing.T) {
	svc := New(t.TempDir())
	first, err := svc.Commit("doc", "<p>same</p>", "one")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	again, err := svc.Commit("doc", "<p>same</p>", "two")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if again.Hash != first.Hash {
		t.Fatalf("unchanged content created a revision: %s != %s", again.Hash, first.Hash)
	}
	revisions, _ := svc.History("doc", 0)
	if len(revisions) != 1 {
		t.Fatalf("revisions = %d, want 1", len(revisions))
	}
}

func TestHistoryLimitAndMissingRepo(t *testing.T) {
	svc := New(t.TempDir())
	revisions, err := svc.History("never-saved", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 0 {
		t.Fatalf("expected no revisions, got %+v", revisions)
	}

	for i := 0; i < 4; i++ {
		if _, err := svc.Commit("doc", fmt.Sprintf("<p>%d</p>", i), fmt.Sprintf("rev %d", i)); err != nil {
			t.Fatalf("Commit() error = %v", err)
		}
	}
	revisions, err = svc.History("doc", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 2 || revisions[0].Message != "rev 3" {
		t.Fatalf("unexpected limited history %+v", revisions)
	}
}

func TestContentAtUnknownRevision(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.ContentAt("doc", "abc1234"); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("ContentAt() on missing repo error = %v", err)
	}
	if _, err := svc.Commit("doc", "<p>x</p>", "init"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if _, _, err := svc.ContentAt("doc", "deadbee"); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("ContentAt() error = %v, want ErrRevisionNotFound", err)
	}
}

func TestRejectsPathLikeDocumentIDs(t *testing.T) {
	svc := New(t.TempDir())
	for _, id := range []string{"..", "../etc", "a/b", ""} {
		if _, err := svc.Commit(id, "x", "m"); !errors.Is(err, ErrInvalidDocumentID) {
			t.Fatalf("Commit(%q) error = %v, want ErrInvalidDocumentID", id, err)
		}
	}
}

func TestRemove(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if _, err := svc.Commit("doc", "<p>x</p>", "init"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if err := svc.Remove("doc"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc")); !os.IsNotExist(err) {
		t.Fatalf("repo should be gone, stat err = %v", err)
	}
}

func TestConcurrentCommitsSerializePerDocument(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Commit("doc", "<p>base</p>", "init"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Commit("doc", fmt.Sprintf("<p>%d</p>", i), "edit"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Commit() error = %v", err)
	}
	revisions, err := svc.History("doc", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(revisions) != 9 {
		t.Fatalf("revisions = %d, want 9", len(revisions))
	}
}
