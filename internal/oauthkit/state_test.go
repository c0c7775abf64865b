package oauthkit

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type mutableClock struct {
	current time.Time
}

func (clock *mutableClock) Now() time.Time {
	return clock.current
}

func (clock *mutableClock) Advance(duration time.Duration) {
	clock.current = clock.current.Add(duration)
}

func newTestClock() *mutableClock {
	return &mutableClock{current: time.Unix(1700000000, 0).UTC()}
}

func TestStateCodecRoundTrip(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	codec := NewStateCodec([]byte("signing-secret"), 5*time.Minute, clock)

	token, encodeErr := codec.Encode("user-42")
	if encodeErr != nil {
		t.Fatalf("encode error: %v", encodeErr)
	}
	if strings.ContainsAny(token, " +/") {
		t.Fatalf("expected URL-safe token, got %q", token)
	}

	userID, decodeErr := codec.Decode(token)
	if decodeErr != nil {
		t.Fatalf("decode error: %v", decodeErr)
	}
	if userID != "user-42" {
		t.Fatalf("expected user-42, got %s", userID)
	}
}

func TestStateCodecRejectsEmptyUser(t *testing.T) {
	t.Parallel()

	codec := NewStateCodec([]byte("signing-secret"), 5*time.Minute, newTestClock())
	if _, err := codec.Encode(""); !errors.Is(err, ErrEmptyUserID) {
		t.Fatalf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestStateCodecExpiry(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	codec := NewStateCodec([]byte("signing-secret"), time.Minute, clock)

	token, encodeErr := codec.Encode("user-42")
	if encodeErr != nil {
		t.Fatalf("encode error: %v", encodeErr)
	}

	clock.Advance(59 * time.Second)
	if _, err := codec.Decode(token); err != nil {
		t.Fatalf("expected token still valid before ttl, got %v", err)
	}

	clock.Advance(2*time.Second + stateLeeway)
	if _, err := codec.Decode(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState after ttl, got %v", err)
	}
}

func TestStateCodecRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	codec := NewStateCodec([]byte("signing-secret"), 5*time.Minute, clock)

	token, encodeErr := codec.Encode("user-42")
	if encodeErr != nil {
		t.Fatalf("encode error: %v", encodeErr)
	}

	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		t.Fatalf("expected compact JWS with three segments, got %d", len(segments))
	}

	for index, label := range map[int]string{1: "payload", 2: "signature"} {
		mutated := append([]string(nil), segments...)
		mutated[index] = flipLastCharacter(mutated[index])
		if _, err := codec.Decode(strings.Join(mutated, ".")); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState for mutated %s, got %v", label, err)
		}
	}
}

func TestStateCodecRejectsForeignKey(t *testing.T) {
	t.Parallel()

	clock := newTestClock()
	token, encodeErr := NewStateCodec([]byte("key-one"), 5*time.Minute, clock).Encode("user-42")
	if encodeErr != nil {
		t.Fatalf("encode error: %v", encodeErr)
	}
	if _, err := NewStateCodec([]byte("key-two"), 5*time.Minute, clock).Decode(token); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for foreign key, got %v", err)
	}
}

func TestStateCodecEnforcesMinimumTTL(t *testing.T) {
	t.Parallel()

	codec := NewStateCodec([]byte("signing-secret"), time.Second, newTestClock())
	if codec.ttl != stateMinimumTTL {
		t.Fatalf("expected ttl floor %v, got %v", stateMinimumTTL, codec.ttl)
	}
}

func flipLastCharacter(segment string) string {
	last := segment[len(segment)-1]
	replacement := byte('A')
	if last == 'A' {
		replacement = 'B'
	}
	return segment[:len(segment)-1] + string(replacement)
}
