package sterrors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := New(KindOCC, "conflict on %s", "_index")
	if !IsOCC(err) {
		t.Error("IsOCC false for OCC error")
	}
	if IsFatal(err) {
		t.Error("IsFatal true for OCC error")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should be Unknown")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	t.Parallel()

	inner := OutOfRetention(5, 10)
	wrapped := fmt.Errorf("loading documents: %w", inner)
	if !IsOutOfRetention(wrapped) {
		t.Error("kind lost through fmt.Errorf wrapping")
	}
}

func TestWrapNil(t *testing.T) {
	t.Parallel()

	if Wrap(KindFatal, nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}
