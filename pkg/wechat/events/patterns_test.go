package events

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDefaultPatternsCoverEveryFamily(t *testing.T) {
	p := DefaultPatterns()
	for _, f := range p.Families() {
		if len(p.Get(f)) < 2 {
			t.Errorf("family %s should have at least one pattern per language", f)
		}
	}
}

func TestParsePatternsAppends(t *testing.T) {
	p, err := ParsePatterns([]byte(`
room_topic_other:
  - '^"(.+)" a renommé le groupe en "(.+)"$'
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	list := p.Get(FamilyTopicOther)
	if len(list) != len(DefaultPatterns().Get(FamilyTopicOther))+1 {
		t.Fatalf("expected one appended pattern, got %d total", len(list))
	}
	m := p.matchFirstOf(`"Carol" a renommé le groupe en "Rando"`, FamilyTopicOther)
	if len(m) != 3 || m[1] != "Carol" || m[2] != "Rando" {
		t.Errorf("unexpected match %v", m)
	}
	if len(DefaultPatterns().Get(FamilyTopicOther)) != 2 {
		t.Error("extending must not modify the default set")
	}
}

func TestParsePatternsErrors(t *testing.T) {
	inputs := map[string]string{
		"unknown family": "room_explode:\n  - 'boom'\n",
		"invalid regex":  "room_topic_self:\n  - '(unclosed'\n",
		"invalid yaml":   "room_topic_self: [",
	}
	for name, input := range inputs {
		if _, err := ParsePatterns([]byte(input)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestWatchPatternsReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan *Patterns, 16)
	pw, err := WatchPatterns(path, zerolog.Nop(), func(p *Patterns) {
		select {
		case reloaded <- p:
		default:
		}
	})
	if err != nil {
		t.Fatalf("failed to start watcher: %v", err)
	}
	defer pw.Stop()

	content := "room_leave_other_remove_self:\n  - '^(Du) wurdest von \"(.+)\" entfernt'\n"
	if err = os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	// A save can show up as several writes, the first of which may see a
	// truncated file.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p := <-reloaded:
			if m := p.matchFirstOf(`Du wurdest von "Carol" entfernt`, FamilyLeaveOtherRemoveSelf); len(m) == 3 && m[2] == "Carol" {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for reload with the new regex")
		}
	}
}
