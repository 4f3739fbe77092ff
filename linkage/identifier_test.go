package linkage

import (
	"context"
	"errors"
	"testing"
)

func TestExtractIdentifier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		want     string
		wantRule string
		wantOK   bool
	}{
		{name: "compact", text: "14032024_1030_Participant1 can you help me outline", want: "14032024_1030_Participant1", wantRule: "compact", wantOK: true},
		{name: "compact spaced", text: "14032024 1030 participant 12", want: "14032024_1030_Participant12", wantRule: "compact", wantOK: true},
		{name: "colon time", text: "id 01022024_09:05_Participant4", want: "01022024_0905_Participant4", wantRule: "compact_colon", wantOK: true},
		{name: "participant first", text: "My ID is Participant 7 15032024 0900", want: "15032024_0900_Participant7", wantRule: "participant_first", wantOK: true},
		{name: "delimited date", text: "date 14/3/24 at 10:30, participant 2", want: "14032024_1030_Participant2", wantRule: "delimited_date", wantOK: true},
		{name: "digits only", text: "14032024_1030_3", want: "14032024_1030_Participant3", wantRule: "digits_only", wantOK: true},
		{name: "skips invalid occurrence", text: "99999999_9999_Participant1 then 01022024_0930_Participant4", want: "01022024_0930_Participant4", wantRule: "compact", wantOK: true},
		{name: "after underscore", text: "ID_03122024_1000_Participant6", want: "03122024_1000_Participant6", wantRule: "compact", wantOK: true},
		{name: "after letters", text: "id03122024_1000_Participant6", want: "03122024_1000_Participant6", wantRule: "compact", wantOK: true},
		{name: "before underscore", text: "03122024_1000_Participant6_session2", want: "03122024_1000_Participant6", wantRule: "compact", wantOK: true},
		{name: "before letters", text: "03122024_1000_Participant6abc", want: "03122024_1000_Participant6", wantRule: "compact", wantOK: true},
		{name: "participant first glued", text: "xParticipant7_15032024_0900.", want: "15032024_0900_Participant7", wantRule: "participant_first", wantOK: true},
		{name: "leading digit run", text: "103122024_1000_Participant6"},
		{name: "trailing digit run", text: "03122024_1000_Participant6123"},
		{name: "day out of range", text: "32132024_1030_Participant1"},
		{name: "participant zero", text: "14032024_1030_Participant0"},
		{name: "no identifier", text: "what is a monad"},
		{name: "empty", text: "   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, ok := ExtractIdentifier(tt.text)
			if ok != tt.wantOK {
				t.Fatalf("ExtractIdentifier(%q) ok=%v, want %v (id=%v)", tt.text, ok, tt.wantOK, id)
			}
			if !ok {
				return
			}
			if got := id.String(); got != tt.want {
				t.Fatalf("ExtractIdentifier(%q)=%q, want %q", tt.text, got, tt.want)
			}
			if id.Rule != tt.wantRule {
				t.Fatalf("Rule=%q, want %q", id.Rule, tt.wantRule)
			}
		})
	}
}

func TestNewIdentifier(t *testing.T) {
	t.Parallel()

	id, err := NewIdentifier(1, 2, 24, 9, 5, 3)
	if err != nil {
		t.Fatalf("NewIdentifier: %v", err)
	}
	if id.String() != "01022024_0905_Participant3" {
		t.Fatalf("String()=%q", id.String())
	}

	bad := [][6]int{
		{0, 1, 2024, 0, 0, 1},
		{1, 13, 2024, 0, 0, 1},
		{1, 1, 2024, 24, 0, 1},
		{1, 1, 2024, 0, 60, 1},
		{1, 1, 2024, 0, 0, 0},
		{1, 1, 999, 0, 0, 1},
	}
	for _, c := range bad {
		if _, err := NewIdentifier(c[0], c[1], c[2], c[3], c[4], c[5]); err == nil {
			t.Fatalf("NewIdentifier(%v) expected error", c)
		}
	}
}

type fakeFallback struct {
	id    Identifier
	found bool
	err   error
	calls int
}

func (f *fakeFallback) ExtractIdentifier(context.Context, string) (Identifier, bool, error) {
	f.calls++
	return f.id, f.found, f.err
}

func TestIdentifierExtractor_Fallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rules first", func(t *testing.T) {
		fb := &fakeFallback{found: true, id: Identifier{Day: 1, Month: 1, Year: 2024, Participant: 9}}
		id, ok, err := IdentifierExtractor{Fallback: fb}.Extract(ctx, "14032024_1030_Participant1")
		if err != nil || !ok || id.String() != "14032024_1030_Participant1" {
			t.Fatalf("Extract=%v,%v,%v", id, ok, err)
		}
		if fb.calls != 0 {
			t.Fatalf("fallback called %d times", fb.calls)
		}
	})

	t.Run("fallback answer validated", func(t *testing.T) {
		fb := &fakeFallback{found: true, id: Identifier{Day: 1, Month: 2, Year: 24, Hour: 9, Minute: 5, Participant: 3}}
		id, ok, err := IdentifierExtractor{Fallback: fb}.Extract(ctx, "it's participant three from feb first")
		if err != nil || !ok {
			t.Fatalf("Extract=%v,%v,%v", id, ok, err)
		}
		if id.String() != "01022024_0905_Participant3" || id.Rule != "fallback" {
			t.Fatalf("id=%q rule=%q", id.String(), id.Rule)
		}
	})

	t.Run("invalid fallback answer", func(t *testing.T) {
		fb := &fakeFallback{found: true, id: Identifier{Day: 40, Month: 2, Year: 2024, Participant: 3}}
		_, ok, err := IdentifierExtractor{Fallback: fb}.Extract(ctx, "something vague")
		if err != nil || ok {
			t.Fatalf("ok=%v err=%v, want not found", ok, err)
		}
	})

	t.Run("fallback error surfaces", func(t *testing.T) {
		boom := errors.New("boom")
		fb := &fakeFallback{err: boom}
		_, ok, err := IdentifierExtractor{Fallback: fb}.Extract(ctx, "something vague")
		if ok || !errors.Is(err, boom) {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("blank text skips fallback", func(t *testing.T) {
		fb := &fakeFallback{found: true}
		if _, ok, _ := (IdentifierExtractor{Fallback: fb}).Extract(ctx, " "); ok || fb.calls != 0 {
			t.Fatalf("ok=%v calls=%d", ok, fb.calls)
		}
	})
}
