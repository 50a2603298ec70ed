package geocode

import (
	"context"
	"errors"
	"testing"
)

type fakeSearcher struct {
	matches []Match
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, text string, limit int) ([]Match, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.matches) {
		return f.matches[:limit], nil
	}
	return f.matches, nil
}

func TestServiceRemoteOnly(t *testing.T) {
	remote := &fakeSearcher{matches: []Match{{Lat: 1, Lon: 2, Label: "Lake"}}}
	s := NewService(nil, remote)

	matches, err := s.Search(context.Background(), "lake", 8)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(matches) != 1 || matches[0].Label != "Lake" {
		t.Errorf("unexpected matches: %+v", matches)
	}
	if remote.calls != 1 {
		t.Errorf("expected one remote call, got %d", remote.calls)
	}
}

func TestServiceErrorYieldsNoPartialResults(t *testing.T) {
	remote := &fakeSearcher{err: errors.New("upstream down")}
	s := NewService(nil, remote)

	matches, err := s.Search(context.Background(), "lake", 8)
	if err == nil {
		t.Fatal("expected error")
	}
	if matches != nil {
		t.Errorf("failed search must return no results, got %+v", matches)
	}
}
